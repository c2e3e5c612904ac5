package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	domain "github.com/hanko-field/cartengine/internal/domain"
	pfirestore "github.com/hanko-field/cartengine/internal/platform/firestore"
	"github.com/hanko-field/cartengine/internal/repositories"
)

const (
	productsCollection   = "products"
	componentsCollection = "components"
)

type productDocument struct {
	Active      bool                   `firestore:"active"`
	BasePrice   string                 `firestore:"basePrice"`
	VATRate     string                 `firestore:"vatRate"`
	Names       map[string]string      `firestore:"names"`
	DefaultName string                 `firestore:"defaultName"`
	Images      []productImageDocument `firestore:"images"`
}

type productImageDocument struct {
	URL          string `firestore:"url"`
	DisplayOrder int    `firestore:"displayOrder"`
}

type componentDocument struct {
	PriceModifier string `firestore:"priceModifier"`
}

// ProductCatalogRepository reads the product projection the cart prices against.
type ProductCatalogRepository struct {
	products *pfirestore.Collection[productDocument]
}

// NewProductCatalogRepository constructs a Firestore-backed product catalog.
func NewProductCatalogRepository(provider *pfirestore.Provider) (*ProductCatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("product catalog repository requires firestore provider")
	}
	return &ProductCatalogRepository{
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
	}, nil
}

// GetByID resolves the product for the locale. Missing documents report false without an error.
func (r *ProductCatalogRepository) GetByID(ctx context.Context, productID string, locale string) (domain.Product, bool, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, false, errors.New("product catalog repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if !validDocumentID(productID) {
		return domain.Product{}, false, nil
	}

	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		if isNotFound(err) {
			return domain.Product{}, false, nil
		}
		return domain.Product{}, false, err
	}

	product, err := doc.toDomain(productID, locale)
	if err != nil {
		return domain.Product{}, false, &repositories.MalformedDocumentError{Collection: productsCollection, ID: productID, Err: err}
	}
	return product, true, nil
}

// Ping confirms the products collection is readable.
func (r *ProductCatalogRepository) Ping(ctx context.Context) error {
	if r == nil || r.products == nil {
		return errors.New("product catalog repository not initialised")
	}
	return r.products.Ping(ctx)
}

// ComponentCatalogRepository sums customization price modifiers stored under each product.
type ComponentCatalogRepository struct {
	provider *pfirestore.Provider
}

// NewComponentCatalogRepository constructs a Firestore-backed component catalog.
func NewComponentCatalogRepository(provider *pfirestore.Provider) (*ComponentCatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("component catalog repository requires firestore provider")
	}
	return &ComponentCatalogRepository{provider: provider}, nil
}

// SumPriceModifiers adds the modifiers of the given components. Unknown components contribute zero.
func (r *ComponentCatalogRepository) SumPriceModifiers(ctx context.Context, productID string, componentIDs []string) (decimal.Decimal, error) {
	if len(componentIDs) == 0 {
		return decimal.Zero, nil
	}
	if r == nil || r.provider == nil {
		return decimal.Zero, errors.New("component catalog repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if !validDocumentID(productID) {
		return decimal.Zero, fmt.Errorf("component catalog repository: invalid product id %q", productID)
	}
	for _, id := range componentIDs {
		if !validDocumentID(strings.TrimSpace(id)) {
			return decimal.Zero, fmt.Errorf("component catalog repository: invalid component id %q", id)
		}
	}

	components := pfirestore.NewCollection[componentDocument](r.provider, componentPath(productID))
	found, err := components.GetMany(ctx, componentIDs)
	if err != nil {
		return decimal.Zero, err
	}
	total, err := sumModifiers(componentIDs, found)
	if err != nil {
		return decimal.Zero, &repositories.MalformedDocumentError{Collection: componentPath(productID), ID: productID, Err: err}
	}
	return total, nil
}

// validDocumentID rejects ids that would address a different document path.
func validDocumentID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.Contains(id, "/")
}

func componentPath(productID string) string {
	return productsCollection + "/" + productID + "/" + componentsCollection
}

func sumModifiers(ids []string, found map[string]componentDocument) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, id := range ids {
		doc, ok := found[id]
		if !ok {
			continue
		}
		raw := strings.TrimSpace(doc.PriceModifier)
		if raw == "" {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("component %s: invalid price modifier %q: %w", id, raw, err)
		}
		total = total.Add(value)
	}
	return total, nil
}

func (d productDocument) toDomain(id string, locale string) (domain.Product, error) {
	basePrice, err := parseDecimal(d.BasePrice)
	if err != nil {
		return domain.Product{}, fmt.Errorf("product %s: invalid basePrice: %w", id, err)
	}
	vatRate, err := parseDecimal(d.VATRate)
	if err != nil {
		return domain.Product{}, fmt.Errorf("product %s: invalid vatRate: %w", id, err)
	}
	return domain.Product{
		ID:        id,
		Name:      resolveName(d.Names, d.DefaultName, locale),
		ImageURL:  primaryImage(d.Images),
		BasePrice: basePrice,
		VATRate:   vatRate,
		Active:    d.Active,
	}, nil
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

// resolveName tries the exact locale, then its base language, then the default name.
func resolveName(names map[string]string, fallback string, locale string) string {
	locale = strings.TrimSpace(locale)
	if locale != "" && len(names) > 0 {
		if name := lookupName(names, locale); name != "" {
			return name
		}
		if tag, err := language.Parse(locale); err == nil {
			if base, conf := tag.Base(); conf != language.No {
				if name := lookupName(names, base.String()); name != "" {
					return name
				}
			}
		}
	}
	return strings.TrimSpace(fallback)
}

func lookupName(names map[string]string, key string) string {
	if name := strings.TrimSpace(names[key]); name != "" {
		return name
	}
	for k, v := range names {
		if strings.EqualFold(strings.ReplaceAll(k, "_", "-"), strings.ReplaceAll(key, "_", "-")) {
			if name := strings.TrimSpace(v); name != "" {
				return name
			}
		}
	}
	return ""
}

func primaryImage(images []productImageDocument) string {
	candidates := make([]productImageDocument, 0, len(images))
	for _, img := range images {
		if strings.TrimSpace(img.URL) != "" {
			candidates = append(candidates, img)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DisplayOrder < candidates[j].DisplayOrder
	})
	return strings.TrimSpace(candidates[0].URL)
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
