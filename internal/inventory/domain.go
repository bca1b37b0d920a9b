package inventory

import "github.com/shopspring/decimal"

// Item is the costing view of an inventory item.
type Item struct {
	ID        int64
	SKU       string
	Name      string
	UnitPrice decimal.Decimal
	UnitID    *int64
}

// Unit is a unit of measure.
type Unit struct {
	ID           int64
	Name         string
	Abbreviation string
}
