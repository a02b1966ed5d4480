package catalog

import (
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

func mustItemID(test *testing.T, raw string) ledger.ItemID {
	test.Helper()
	itemID, err := ledger.NewItemID(raw)
	if err != nil {
		test.Fatalf("item id: %v", err)
	}
	return itemID
}

func TestParseStaticPrices(test *testing.T) {
	test.Parallel()
	catalog, err := ParseStatic("workbook=5, PROMPT=1, WORKBOOK:premium=9")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	testCases := []struct {
		itemType ledger.ItemType
		itemID   string
		want     ledger.Credits
	}{
		{itemType: ledger.ItemTypeWorkbook, itemID: "w1", want: 5},
		{itemType: ledger.ItemTypeWorkbook, itemID: "premium", want: 9},
		{itemType: ledger.ItemTypePrompt, itemID: "p1", want: 1},
	}
	for _, testCase := range testCases {
		cost, err := catalog.Price(testCase.itemType, mustItemID(test, testCase.itemID))
		if err != nil || cost != testCase.want {
			test.Fatalf("%s/%s: expected %d, got %d (%v)", testCase.itemType, testCase.itemID, testCase.want, cost, err)
		}
	}
	if _, err := catalog.Price(ledger.ItemTypeProposal, mustItemID(test, "x")); !errors.Is(err, ErrUnknownItem) {
		test.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestParseStaticRejectsMalformedEntries(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"WORKBOOK", "WORKBOOK=x", "WORKBOOK=-1", "SESSION=1", "WORKBOOK:=2"} {
		if _, err := ParseStatic(raw); !errors.Is(err, ErrInvalidPrices) {
			test.Fatalf("%q: expected ErrInvalidPrices, got %v", raw, err)
		}
	}
}

func TestDefaultPricesCoverEveryItemType(test *testing.T) {
	test.Parallel()
	catalog, err := ParseStatic(DefaultPrices)
	if err != nil {
		test.Fatalf("parse defaults: %v", err)
	}
	for _, itemType := range ledger.ItemTypes() {
		if _, err := catalog.Price(itemType, mustItemID(test, "any")); err != nil {
			test.Fatalf("missing default price for %s: %v", itemType, err)
		}
	}
}
