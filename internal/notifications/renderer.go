// Package notifications renders order notifications from an embedded, localised catalogue.
package notifications

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/platform/i18n"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ImageSigner turns stored image references into URLs a mail client can load.
type ImageSigner interface {
	SignImageURL(ctx context.Context, ref string) (string, error)
}

// Options configure NewRenderer. Catalog defaults to the embedded catalogue.
type Options struct {
	Catalog       []byte
	DefaultLocale string
	Images        ImageSigner
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Renderer implements services.NotificationRenderer.
type Renderer struct {
	templates map[domain.NotificationKind]map[string]compiled
	statuses  map[string]map[string]string
	payments  map[string]map[string]string
	stores    map[string]string
	matcher   *i18n.Matcher
	markdown  goldmark.Markdown
	policy    *bluemonday.Policy
	images    ImageSigner
	logger    *zap.Logger
	now       func() time.Time
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

type catalogFile struct {
	StoreName map[string]string                       `yaml:"storeName"`
	Statuses  map[string]map[string]string            `yaml:"statuses"`
	Payments  map[string]map[string]string            `yaml:"payments"`
	Templates map[string]map[string]catalogTemplateDef `yaml:"templates"`
}

type catalogTemplateDef struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

var knownKinds = []domain.NotificationKind{
	domain.NotificationOrderConfirmation,
	domain.NotificationAdminNewOrder,
	domain.NotificationStatusUpdate,
}

// NewRenderer parses and validates the catalogue. Every kind must have a template in the
// default locale.
func NewRenderer(opts Options) (*Renderer, error) {
	raw := opts.Catalog
	if len(raw) == 0 {
		raw = defaultCatalog
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("notifications: parse catalogue: %w", err)
	}

	matcher := i18n.NewMatcher(opts.DefaultLocale, i18n.Supported...)
	fallback := matcher.Fallback()

	templates := make(map[domain.NotificationKind]map[string]compiled, len(knownKinds))
	for _, kind := range knownKinds {
		defs := file.Templates[string(kind)]
		if _, ok := defs[fallback]; !ok {
			return nil, fmt.Errorf("notifications: %s has no %q template", kind, fallback)
		}
		byLocale := make(map[string]compiled, len(defs))
		for locale, def := range defs {
			name := string(kind) + "." + locale
			subject, err := template.New(name + ".subject").Option("missingkey=error").Parse(def.Subject)
			if err != nil {
				return nil, fmt.Errorf("notifications: %s subject: %w", name, err)
			}
			body, err := template.New(name + ".body").Option("missingkey=error").Parse(def.Body)
			if err != nil {
				return nil, fmt.Errorf("notifications: %s body: %w", name, err)
			}
			byLocale[locale] = compiled{subject: subject, body: body}
		}
		templates[kind] = byLocale
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Renderer{
		templates: templates,
		statuses:  file.Statuses,
		payments:  file.Payments,
		stores:    file.StoreName,
		matcher:   matcher,
		markdown:  goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Table)),
		policy:    bluemonday.UGCPolicy(),
		images:    opts.Images,
		logger:    logger,
		now:       clock,
	}, nil
}

// Render produces the subject, a Markdown text body and a sanitised HTML body for order.
// Staff notifications always use the default locale.
func (r *Renderer) Render(ctx context.Context, kind domain.NotificationKind, order domain.Order) (domain.Notification, error) {
	byLocale, ok := r.templates[kind]
	if !ok {
		return domain.Notification{}, fmt.Errorf("notifications: unknown kind %q", kind)
	}

	locale := r.matcher.Fallback()
	if kind != domain.NotificationAdminNewOrder {
		locale = r.matcher.Match(order.Locale)
	}
	tmpl, ok := byLocale[locale]
	if !ok {
		locale = r.matcher.Fallback()
		tmpl = byLocale[locale]
	}

	images := r.signImages(ctx, order)
	subject, err := execute(tmpl.subject, r.view(order, locale, images, plain))
	if err != nil {
		return domain.Notification{}, err
	}
	text, err := execute(tmpl.body, r.view(order, locale, images, plain))
	if err != nil {
		return domain.Notification{}, err
	}
	markdown, err := execute(tmpl.body, r.view(order, locale, images, escapeMarkdown))
	if err != nil {
		return domain.Notification{}, err
	}

	var html bytes.Buffer
	if err := r.markdown.Convert([]byte(markdown), &html); err != nil {
		return domain.Notification{}, fmt.Errorf("notifications: markdown: %w", err)
	}
	body := r.policy.Sanitize(html.String())
	if locale == "ar" {
		body = `<div dir="rtl" lang="ar">` + body + `</div>`
	}

	return domain.Notification{
		Kind:        kind,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Locale:      locale,
		Subject:     strings.Join(strings.Fields(subject), " "),
		TextBody:    strings.TrimSpace(text) + "\n",
		HTMLBody:    body,
		CreatedAt:   r.now().UTC(),
	}, nil
}

// signImages resolves line-item images. An image that cannot be signed is left out of the
// message rather than failing it.
func (r *Renderer) signImages(ctx context.Context, order domain.Order) []string {
	urls := make([]string, len(order.Items))
	if r.images == nil {
		return urls
	}
	for i, item := range order.Items {
		if item.ImageURL == "" {
			continue
		}
		signed, err := r.images.SignImageURL(ctx, item.ImageURL)
		if err != nil {
			r.logger.Warn("notifications: image not signed",
				zap.String("order_id", order.ID),
				zap.String("product_id", item.ProductID),
				zap.Error(err))
			continue
		}
		urls[i] = signed
	}
	return urls
}

type itemView struct {
	Name     string
	Quantity int
	Subtotal string
	ImageURL string
}

type orderView struct {
	StoreName    string
	OrderID      string
	OrderNumber  string
	Status       string
	Note         string
	CustomerName string
	Email        string
	Phone        string
	Address      string
	City         string
	Payment      string
	MaskedCard   string
	Items        []itemView
	Total        string
	PlacedAt     string
}

func (r *Renderer) view(order domain.Order, locale string, images []string, esc func(string) string) orderView {
	items := make([]itemView, len(order.Items))
	for i, item := range order.Items {
		items[i] = itemView{
			Name:     esc(item.Name.For(locale)),
			Quantity: item.Quantity,
			Subtotal: money(item.Subtotal(), order.Currency),
			ImageURL: images[i],
		}
	}

	v := orderView{
		StoreName:    esc(lookup(r.stores, locale, r.matcher.Fallback())),
		OrderID:      esc(order.ID),
		OrderNumber:  esc(order.OrderNumber),
		Status:       esc(r.label(r.statuses, locale, string(order.Status))),
		CustomerName: esc(order.Contact.FullName),
		Email:        esc(order.Contact.Email),
		Phone:        esc(order.Contact.Phone),
		Address:      esc(order.Contact.Address),
		City:         esc(order.Contact.City),
		Payment:      esc(r.label(r.payments, locale, string(order.PaymentMethod))),
		Items:        items,
		Total:        money(order.Total, order.Currency),
		PlacedAt:     order.CreatedAt.UTC().Format(time.RFC1123),
	}
	if order.Payment != nil {
		v.MaskedCard = esc(order.Payment.MaskedNumber)
	}
	if n := len(order.Timeline); n > 0 {
		v.Note = esc(order.Timeline[n-1].Note)
	}
	return v
}

func (r *Renderer) label(labels map[string]map[string]string, locale, key string) string {
	if value := labels[locale][key]; value != "" {
		return value
	}
	if value := labels[r.matcher.Fallback()][key]; value != "" {
		return value
	}
	return key
}

func lookup(values map[string]string, locale, fallback string) string {
	if value := values[locale]; value != "" {
		return value
	}
	return values[fallback]
}

func execute(t *template.Template, data orderView) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notifications: execute %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func money(amount decimal.Decimal, currency string) string {
	return strings.TrimSpace(amount.StringFixed(2) + " " + currency)
}

func plain(s string) string { return s }

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`,
	"<", `\<`, ">", `\>`, "#", `\#`, "!", `\!`, "|", `\|`,
)

// escapeMarkdown keeps customer-supplied text from being read as Markdown.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
