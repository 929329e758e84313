package chizhick

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Cache keys are namespaced <resource>:<param>:<param>...
const (
	KeyActiveOffers = "offers:active"

	prefixCities   = "cities:"
	prefixTree     = "tree:"
	prefixProducts = "products:"
)

// Default entry lifetimes per resource.
const (
	TTLActiveOffers = time.Hour
	TTLCities       = 24 * time.Hour
	TTLTree         = 12 * time.Hour
	TTLProducts     = time.Hour
)

// CitiesKey is the key of a city search page. The search text is
// case-folded and escaped so it cannot contain the separator.
func CitiesKey(search string, page int) string {
	return prefixCities + keyPart(strings.ToLower(strings.TrimSpace(search))) + ":" + strconv.Itoa(page)
}

// TreeKey is the key of the category tree of a city.
func TreeKey(cityID string) string {
	return prefixTree + keyPart(cityID)
}

// ProductsKey is the key of one page of a category listing.
func ProductsKey(cityID string, categoryID, page int) string {
	return prefixProducts + keyPart(cityID) + ":" + strconv.Itoa(categoryID) + ":" + strconv.Itoa(page)
}

func keyPart(s string) string {
	return url.QueryEscape(s)
}
