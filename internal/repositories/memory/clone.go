package memory

import domain "github.com/crystal-atelier/api/internal/domain"

func cloneProduct(p domain.Product) domain.Product {
	p.SalesHistory = append([]domain.SaleRecord(nil), p.SalesHistory...)
	return p
}

func cloneCustomer(c domain.Customer) domain.Customer {
	c.OrderIDs = append([]string(nil), c.OrderIDs...)
	if c.LastOrder != nil {
		last := *c.LastOrder
		c.LastOrder = &last
	}
	return c
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.OrderLineItem(nil), o.Items...)
	o.Timeline = append([]domain.TimelineEntry(nil), o.Timeline...)
	if o.Payment != nil {
		payment := *o.Payment
		o.Payment = &payment
	}
	return o
}
