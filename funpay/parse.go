package funpay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"keyharvest/domain"
)

type appData struct {
	UserID    int64  `json:"userId"`
	CSRFToken string `json:"csrf-token"`
	Locale    string `json:"locale"`
}

func parseAccount(body []byte) (*Account, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse landing page: %w", err)
	}
	raw, ok := doc.Find("body").First().Attr("data-app-data")
	if !ok {
		return nil, fmt.Errorf("parse landing page: data-app-data missing")
	}
	var data appData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("parse app data: %w", err)
	}
	username := strings.TrimSpace(doc.Find("div.user-link-name").First().Text())
	if data.UserID == 0 || username == "" {
		return nil, &UnauthorizedError{}
	}
	return &Account{
		ID:        data.UserID,
		Username:  username,
		Locale:    data.Locale,
		CSRFToken: data.CSRFToken,
	}, nil
}

func parseSells(body []byte, q SellsQuery) (string, []domain.OrderSummary, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("parse sells page: %w", err)
	}
	if doc.Find("div.content-account-login").Length() > 0 {
		return "", nil, &UnauthorizedError{}
	}

	next := strings.TrimSpace(doc.Find(`input[type="hidden"][name="continue"]`).First().AttrOr("value", ""))

	var orders []domain.OrderSummary
	doc.Find("a.tc-item").Each(func(_ int, row *goquery.Selection) {
		status := domain.OrderStatusClosed
		switch {
		case row.HasClass("warning"):
			status = domain.OrderStatusRefunded
		case row.HasClass("info"):
			status = domain.OrderStatusPaid
		}
		if status == domain.OrderStatusRefunded && !q.IncludeRefunded {
			return
		}
		if status == domain.OrderStatusPaid && !q.IncludePaid {
			return
		}

		id := strings.TrimPrefix(strings.TrimSpace(row.Find("div.tc-order").First().Text()), "#")
		if id == "" {
			return
		}
		orders = append(orders, domain.OrderSummary{
			ID:          id,
			Description: strings.TrimSpace(row.Find("div.order-desc > div").First().Text()),
			CreatedAt:   strings.TrimSpace(row.Find("div.tc-date-time").First().Text()),
			Buyer:       strings.TrimSpace(row.Find("div.media-user-name span").First().Text()),
			Price:       strings.TrimSpace(row.Find("div.tc-price").First().Text()),
			Status:      status,
		})
	})
	return next, orders, nil
}

func loginRequired(body []byte) bool {
	if !bytes.Contains(body, []byte("content-account-login")) {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.Find("div.content-account-login").Length() > 0
}
