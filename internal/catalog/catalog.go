// Package catalog prices items for callers that must not choose their own cost.
package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

var (
	ErrUnknownItem   = errors.New("catalog: no price for item")
	ErrInvalidPrices = errors.New("catalog: invalid price list")
)

const (
	entrySeparator = ","
	valueSeparator = "="
	keySeparator   = ":"
)

// DefaultPrices is the price list used when none is configured.
const DefaultPrices = "WORKBOOK=5,PROMPT=1,PROPOSAL=3,PROPOSAL_CREATE=2"

// Static resolves prices from a fixed list of per-type prices and per-item overrides.
type Static struct {
	typePrices map[ledger.ItemType]ledger.Credits
	itemPrices map[string]ledger.Credits
}

// ParseStatic reads "TYPE=cost" and "TYPE:itemID=cost" entries separated by commas.
func ParseStatic(raw string) (*Static, error) {
	catalog := &Static{
		typePrices: make(map[ledger.ItemType]ledger.Credits),
		itemPrices: make(map[string]ledger.Credits),
	}
	for _, rawEntry := range strings.Split(raw, entrySeparator) {
		entry := strings.TrimSpace(rawEntry)
		if entry == "" {
			continue
		}
		rawKey, rawCost, found := strings.Cut(entry, valueSeparator)
		if !found {
			return nil, fmt.Errorf("%w: %q has no price", ErrInvalidPrices, entry)
		}
		parsedCost, err := strconv.ParseInt(strings.TrimSpace(rawCost), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPrices, entry, err)
		}
		cost, err := ledger.NewCredits(parsedCost)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPrices, entry, err)
		}
		rawType, rawItemID, hasItem := strings.Cut(strings.TrimSpace(rawKey), keySeparator)
		itemType, err := ledger.ParseItemType(rawType)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPrices, err)
		}
		if !hasItem {
			catalog.typePrices[itemType] = cost
			continue
		}
		itemID, err := ledger.NewItemID(rawItemID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPrices, err)
		}
		catalog.itemPrices[itemKey(itemType, itemID)] = cost
	}
	return catalog, nil
}

// Price returns the cost of one item.
func (catalog *Static) Price(itemType ledger.ItemType, itemID ledger.ItemID) (ledger.Credits, error) {
	if cost, ok := catalog.itemPrices[itemKey(itemType, itemID)]; ok {
		return cost, nil
	}
	if cost, ok := catalog.typePrices[itemType]; ok {
		return cost, nil
	}
	return 0, fmt.Errorf("%w: %s %s", ErrUnknownItem, itemType, itemID)
}

func itemKey(itemType ledger.ItemType, itemID ledger.ItemID) string {
	return itemType.String() + keySeparator + itemID.String()
}
