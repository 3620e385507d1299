package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/crystal-atelier/api/internal/domain"
	pfirestore "github.com/crystal-atelier/api/internal/platform/firestore"
	"github.com/crystal-atelier/api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository stores catalogue products and their stock ledger.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		base: pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
	}, nil
}

// Insert creates a product document; an existing id yields a conflict.
func (r *ProductRepository) Insert(ctx context.Context, product domain.Product) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return errors.New("product id is required")
	}
	return r.base.Create(ctx, id, newProductDocument(product))
}

// Update overwrites the product document.
func (r *ProductRepository) Update(ctx context.Context, product domain.Product) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return errors.New("product id is required")
	}
	return r.base.Set(ctx, id, newProductDocument(product))
}

// FindByID loads a product. Inside a unit of work the read is transactional.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

type productDocument struct {
	NameEN        string               `firestore:"nameEn"`
	NameAR        string               `firestore:"nameAr"`
	DescriptionEN string               `firestore:"descriptionEn,omitempty"`
	DescriptionAR string               `firestore:"descriptionAr,omitempty"`
	CategoryID    string               `firestore:"categoryId,omitempty"`
	Price         string               `firestore:"price"`
	Stock         int                  `firestore:"stock"`
	Sales         int                  `firestore:"sales"`
	SalesHistory  []saleRecordDocument `firestore:"salesHistory"`
	ImageURL      string               `firestore:"imageUrl,omitempty"`
	Active        bool                 `firestore:"active"`
	CreatedAt     time.Time            `firestore:"createdAt"`
	UpdatedAt     time.Time            `firestore:"updatedAt"`
}

type saleRecordDocument struct {
	Quantity int       `firestore:"quantity"`
	OrderRef string    `firestore:"orderRef"`
	At       time.Time `firestore:"date"`
}

func newProductDocument(p domain.Product) productDocument {
	history := make([]saleRecordDocument, 0, len(p.SalesHistory))
	for _, rec := range p.SalesHistory {
		history = append(history, saleRecordDocument{Quantity: rec.Quantity, OrderRef: rec.OrderID, At: rec.At.UTC()})
	}
	return productDocument{
		NameEN:        p.Name.EN,
		NameAR:        p.Name.AR,
		DescriptionEN: p.Description.EN,
		DescriptionAR: p.Description.AR,
		CategoryID:    p.CategoryID,
		Price:         p.Price.String(),
		Stock:         p.Stock,
		Sales:         p.Sales,
		SalesHistory:  history,
		ImageURL:      p.ImageURL,
		Active:        p.Active,
		CreatedAt:     p.CreatedAt.UTC(),
		UpdatedAt:     p.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) (domain.Product, error) {
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s price %q: %w", id, d.Price, err)
	}
	history := make([]domain.SaleRecord, 0, len(d.SalesHistory))
	for _, rec := range d.SalesHistory {
		history = append(history, domain.SaleRecord{Quantity: rec.Quantity, OrderID: rec.OrderRef, At: rec.At})
	}
	return domain.Product{
		ID:           id,
		Name:         domain.LocalizedText{EN: d.NameEN, AR: d.NameAR},
		Description:  domain.LocalizedText{EN: d.DescriptionEN, AR: d.DescriptionAR},
		CategoryID:   d.CategoryID,
		Price:        price,
		Stock:        d.Stock,
		Sales:        d.Sales,
		SalesHistory: history,
		ImageURL:     d.ImageURL,
		Active:       d.Active,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}, nil
}
