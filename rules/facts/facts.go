// Package facts defines the typed payloads of the events the inventory
// application raises, and derives evaluation contexts and schemas from them.
package facts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/liamcoop/automations/rules"
)

// Event is a typed event payload.
type Event interface {
	Event() string
}

// SaleCreated is raised when a sale is registered.
type SaleCreated struct {
	SaleID        string    `json:"saleId"`
	CustomerID    string    `json:"customerId"`
	CustomerName  string    `json:"customerName"`
	CustomerEmail string    `json:"customerEmail"`
	ProductID     string    `json:"productId"`
	ProductName   string    `json:"productName"`
	Quantity      int       `json:"quantity"`
	Total         float64   `json:"total"`
	PaymentMethod string    `json:"paymentMethod"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (SaleCreated) Event() string { return rules.EventSaleCreated }

// StockUpdated is raised after every stock movement.
type StockUpdated struct {
	ProductID      string `json:"productId"`
	ProductName    string `json:"productName"`
	StockAvailable int    `json:"stockAvailable"`
	MinStock       int    `json:"minStock"`
	MovementType   string `json:"movementType"`
	Quantity       int    `json:"quantity"`
}

func (StockUpdated) Event() string { return rules.EventStockUpdated }

// CustomerCreated is raised when a customer is registered.
type CustomerCreated struct {
	CustomerID string   `json:"customerId"`
	Name       string   `json:"name"`
	Email      string   `json:"email"`
	Phone      string   `json:"phone"`
	Segment    string   `json:"segment"`
	Tags       []string `json:"tags"`
}

func (CustomerCreated) Event() string { return rules.EventCustomerCreated }

// ProductCreated is raised when a product is added to the catalogue.
type ProductCreated struct {
	ProductID      string  `json:"productId"`
	Name           string  `json:"name"`
	SKU            string  `json:"sku"`
	Category       string  `json:"category"`
	Price          float64 `json:"price"`
	StockAvailable int     `json:"stockAvailable"`
	MinStock       int     `json:"minStock"`
}

func (ProductCreated) Event() string { return rules.EventProductCreated }

// ScheduledReport is the context of a rule fired by its cron schedule.
type ScheduledReport struct {
	Now    time.Time `json:"now"`
	RuleID string    `json:"ruleId"`
}

func (ScheduledReport) Event() string { return rules.EventScheduledReport }

// Trigger returns the trigger that dispatches e.
func Trigger(e Event) rules.RuleTrigger {
	return rules.RuleTrigger{Event: e.Event()}
}

// Context converts e into the map form rules are evaluated against. Values
// take their JSON shapes, so numbers become float64 and times RFC 3339 strings.
func Context(e Event) (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Event(), err)
	}
	var ctx map[string]any
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Event(), err)
	}
	return ctx, nil
}

// Schema derives the context schema of e from its json field names.
func Schema(e Event) rules.ContextSchema {
	schema := make(rules.ContextSchema)
	collect(schema, "", reflect.TypeOf(e))
	return schema
}

// InventorySchema is the union of the schemas of every known event.
func InventorySchema() rules.ContextSchema {
	merged := make(rules.ContextSchema)
	for _, e := range All() {
		for path, t := range Schema(e) {
			merged[path] = t
		}
	}
	return merged
}

// All returns a zero value of every known event.
func All() []Event {
	return []Event{
		SaleCreated{},
		StockUpdated{},
		CustomerCreated{},
		ProductCreated{},
		ScheduledReport{},
	}
}

// ByName returns a zero value of the event with the given name.
func ByName(name string) (Event, bool) {
	for _, e := range All() {
		if e.Event() == name {
			return e, true
		}
	}
	return nil, false
}

// Decode reads raw as the typed payload of the named event. Fields the
// payload does not declare and values of the wrong type are errors.
func Decode(name string, raw map[string]any) (Event, error) {
	proto, ok := ByName(name)
	if !ok {
		return nil, fmt.Errorf("no typed payload for event %q", name)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode %s context: %w", name, err)
	}

	ptr := reflect.New(reflect.TypeOf(proto))
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s context: %w", name, err)
	}
	return ptr.Elem().Interface().(Event), nil
}

var timeType = reflect.TypeOf(time.Time{})

func collect(schema rules.ContextSchema, prefix string, typ reflect.Type) {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag := field.Tag.Get("json"); tag != "" {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		fieldType := field.Type
		for fieldType.Kind() == reflect.Pointer {
			fieldType = fieldType.Elem()
		}
		schema[path] = fieldTypeOf(fieldType)
		if fieldType.Kind() == reflect.Struct && fieldType != timeType {
			collect(schema, path, fieldType)
		}
	}
}

func fieldTypeOf(t reflect.Type) rules.FieldType {
	if t == timeType {
		return rules.FieldTimestamp
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rules.FieldNumber
	case reflect.Bool:
		return rules.FieldBool
	case reflect.String:
		return rules.FieldString
	case reflect.Slice, reflect.Array:
		return rules.FieldList
	default:
		return rules.FieldObject
	}
}
