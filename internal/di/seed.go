package di

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	domain "github.com/crystal-atelier/api/internal/domain"
)

type seedFile struct {
	Products []seedProduct `yaml:"products"`
}

type seedProduct struct {
	ID          string            `yaml:"id"`
	Name        map[string]string `yaml:"name"`
	Description map[string]string `yaml:"description"`
	Category    string            `yaml:"category"`
	Price       string            `yaml:"price"`
	Stock       int               `yaml:"stock"`
	Image       string            `yaml:"image"`
	Inactive    bool              `yaml:"inactive"`
}

// LoadProductSeed reads products for the memory driver. An empty path yields no products.
func LoadProductSeed(path string) ([]domain.Product, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("di: read seed file: %w", err)
	}
	return parseProductSeed(raw)
}

func parseProductSeed(raw []byte) ([]domain.Product, error) {
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("di: parse seed file: %w", err)
	}

	products := make([]domain.Product, 0, len(file.Products))
	seen := make(map[string]struct{}, len(file.Products))
	for i, p := range file.Products {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("di: seed product %d: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("di: seed product %q: duplicate id", id)
		}
		seen[id] = struct{}{}
		price, err := decimal.NewFromString(strings.TrimSpace(p.Price))
		if err != nil {
			return nil, fmt.Errorf("di: seed product %q: price: %w", id, err)
		}
		if price.IsNegative() || p.Stock < 0 {
			return nil, fmt.Errorf("di: seed product %q: price and stock must not be negative", id)
		}
		products = append(products, domain.Product{
			ID:          id,
			Name:        domain.LocalizedText{EN: p.Name["en"], AR: p.Name["ar"]},
			Description: domain.LocalizedText{EN: p.Description["en"], AR: p.Description["ar"]},
			CategoryID:  p.Category,
			Price:       price,
			Stock:       p.Stock,
			ImageURL:    p.Image,
			Active:      !p.Inactive,
		})
	}
	return products, nil
}
