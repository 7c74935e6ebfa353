package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValueClass partitions listings by price band.
type ValueClass string

const (
	ClassHigh ValueClass = "high"
	ClassLow  ValueClass = "low"
)

// Classes lists the value classes in processing order.
var Classes = []ValueClass{ClassHigh, ClassLow}

// ParseValueClass converts a table value into a ValueClass.
func ParseValueClass(s string) (ValueClass, error) {
	switch ValueClass(s) {
	case ClassHigh, ClassLow:
		return ValueClass(s), nil
	}
	return "", fmt.Errorf("%w: unknown value class %q", ErrSchema, s)
}

// Folder returns the image subfolder for the class.
func (c ValueClass) Folder() string {
	return string(c) + "_value"
}

// Field is a named column value.
type Field struct {
	Name  string
	Value string
}

// SourceRecord is one row of an input table. PriceText keeps the price as
// written in the table; Extra holds columns beyond Photo, Prix and Titre in
// table order. Both are carried through to the processed table unchanged.
type SourceRecord struct {
	PhotoURL  string
	Price     decimal.Decimal
	PriceText string
	Title     string
	Extra     []Field
}

// PriceString returns the price as it appeared in the input, falling back
// to the canonical decimal form.
func (r SourceRecord) PriceString() string {
	if r.PriceText != "" {
		return r.PriceText
	}
	return r.Price.String()
}

// ProcessedRecord is a source row whose image was fetched, normalized and stored.
type ProcessedRecord struct {
	SourceRecord
	LocalPath string
	Class     ValueClass
}

// FailedRecord is a row whose image could not be acquired.
type FailedRecord struct {
	URL   string
	Class ValueClass
	Index int
}

// Tables holds the source rows of both input tables, keyed by class.
type Tables map[ValueClass][]SourceRecord

// Rows returns the rows of class in [start, end), clamped to the table length.
func (t Tables) Rows(class ValueClass, start, end int) []Row {
	records := t[class]
	if start < 0 {
		start = 0
	}
	if end > len(records) {
		end = len(records)
	}
	var rows []Row
	for i := start; i < end; i++ {
		rows = append(rows, Row{Class: class, Index: i, Record: records[i]})
	}
	return rows
}

// Len returns the length of the longest table.
func (t Tables) Len() int {
	n := 0
	for _, records := range t {
		if len(records) > n {
			n = len(records)
		}
	}
	return n
}
