package wsman

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"time"
)

// EndpointReference represents a WS-Addressing Endpoint Reference (EPR).
// It identifies a single managed resource on the server.
type EndpointReference struct {
	Address     string     `xml:"Address"`
	ResourceURI string     `xml:"ReferenceParameters>ResourceURI"`
	Selectors   []Selector `xml:"ReferenceParameters>SelectorSet>Selector"`
	Identifier  string     `xml:"ReferenceParameters>Identifier"`
}

// Selector returns the value of the selector named name.
func (e *EndpointReference) Selector(name string) (string, bool) {
	for _, s := range e.Selectors {
		if s.Name == name {
			return s.Value, true
		}
	}
	return "", false
}

// RequestOptions carries per-request header values. A nil *RequestOptions
// uses the client defaults.
type RequestOptions struct {
	// Timeout overrides the client OperationTimeout when positive.
	Timeout time.Duration
	// Options are added to the w:OptionSet header.
	Options []Option
}

// Filter selects the resources of an enumeration or subscription.
type Filter struct {
	Dialect    string               `xml:"Dialect,attr"`
	Query      string               `xml:",chardata"`
	Associated *AssociatedInstances `xml:"b:AssociatedInstances,omitempty"`
}

// WQLFilter returns a filter selecting the results of a WQL query.
func WQLFilter(query string) *Filter {
	return &Filter{Dialect: DialectWQL, Query: query}
}

// AssociatedInstances is the body of an association filter.
type AssociatedInstances struct {
	NsBinding            string            `xml:"xmlns:b,attr"`
	Object               AssociationObject `xml:"b:Object"`
	AssociationClassName string            `xml:"b:AssociationClassName,omitempty"`
	Role                 string            `xml:"b:Role,omitempty"`
	ResultClassName      string            `xml:"b:ResultClassName,omitempty"`
	ResultRole           string            `xml:"b:ResultRole,omitempty"`
}

// AssociationObject identifies the source object of an association filter.
type AssociationObject struct {
	Address     string     `xml:"a:Address"`
	ResourceURI string     `xml:"a:ReferenceParameters>w:ResourceURI"`
	Selectors   []Selector `xml:"a:ReferenceParameters>w:SelectorSet>w:Selector"`
}

// AssociationFilter returns a filter selecting instances associated with
// the object at epr. Empty class names are not constrained.
func AssociationFilter(epr *EndpointReference, assocClass, resultClass string) *Filter {
	return &Filter{
		Dialect: DialectAssociation,
		Associated: &AssociatedInstances{
			NsBinding: NsCimBinding,
			Object: AssociationObject{
				Address:     epr.Address,
				ResourceURI: epr.ResourceURI,
				Selectors:   epr.Selectors,
			},
			AssociationClassName: assocClass,
			ResultClassName:      resultClass,
		},
	}
}

// Enumerate represents the body of an Enumerate request.
type Enumerate struct {
	XMLName             xml.Name  `xml:"wsen:Enumerate"`
	Wsen                string    `xml:"xmlns:wsen,attr"`
	OptimizeEnumeration *struct{} `xml:"w:OptimizeEnumeration,omitempty"`
	MaxElements         int       `xml:"w:MaxElements,omitempty"`
	EnumerationMode     string    `xml:"w:EnumerationMode,omitempty"`
	Filter              *Filter   `xml:"w:Filter,omitempty"`
}

// EnumerateResponse represents the response to an Enumerate request.
// With optimized enumeration the first batch arrives inline.
type EnumerateResponse struct {
	EnumerationContext string  `xml:"EnumerationContext"`
	Items              Items   `xml:"Items"`
	EndOfSequence      *string `xml:"EndOfSequence"`
}

// Done reports whether the enumeration has no further batches.
func (r *EnumerateResponse) Done() bool {
	return r.EndOfSequence != nil || r.EnumerationContext == ""
}

// Release represents the body of a Release request.
type Release struct {
	XMLName            xml.Name `xml:"wsen:Release"`
	Wsen               string   `xml:"xmlns:wsen,attr"`
	EnumerationContext string   `xml:"wsen:EnumerationContext"`
}

// Subscribe represents the body of a Subscribe request.
type Subscribe struct {
	XMLName  xml.Name `xml:"wse:Subscribe"`
	Wse      string   `xml:"xmlns:wse,attr"`
	Delivery Delivery `xml:"wse:Delivery"`
	Expires  string   `xml:"wse:Expires,omitempty"` // ISO 8601 Duration (e.g. PT10M)
	Filter   Filter   `xml:"w:Filter"`
}

// Delivery represents the event delivery mode.
type Delivery struct {
	Mode string `xml:"Mode,attr"`
}

// SubscribeResponse represents the response to a Subscribe request.
type SubscribeResponse struct {
	XMLName             xml.Name          `xml:"SubscribeResponse"`
	SubscriptionManager EndpointReference `xml:"SubscriptionManager"`
	Expires             string            `xml:"Expires"`
	EnumerationContext  string            `xml:"EnumerationContext"` // For Pull mode
}

// Unsubscribe represents the body of an Unsubscribe request.
type Unsubscribe struct {
	XMLName xml.Name `xml:"wse:Unsubscribe"`
	Wse     string   `xml:"xmlns:wse,attr"`
}

// Pull represents the body of a Pull request (Enumeration or Eventing).
type Pull struct {
	XMLName            xml.Name `xml:"wsen:Pull"`
	Wsen               string   `xml:"xmlns:wsen,attr"`
	EnumerationContext string   `xml:"wsen:EnumerationContext"`
	MaxElements        int      `xml:"wsen:MaxElements,omitempty"`
	MaxTime            string   `xml:"wsen:MaxTime,omitempty"` // ISO 8601 Duration
}

// PullResponse represents the response to a Pull request.
type PullResponse struct {
	XMLName            xml.Name `xml:"PullResponse"`
	EnumerationContext string   `xml:"EnumerationContext"`
	Items              Items    `xml:"Items"`
	EndOfSequence      *string  `xml:"EndOfSequence"` // Present if no more items
}

// Items contains the pulled elements (raw XML).
type Items struct {
	Raw []byte `xml:",innerxml"`
}

// Item is a single enumerated object. EPR is set when the enumeration
// asked for EnumerateObjectAndEPR.
type Item struct {
	Object []byte
	EPR    *EndpointReference
}

// Entries splits the raw items into individual objects.
func (it Items) Entries() ([]Item, error) {
	var out []Item
	d := xml.NewDecoder(bytes.NewReader(it.Raw))
	for {
		start := d.InputOffset()
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse items: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "Item" {
			if err := d.Skip(); err != nil {
				return nil, fmt.Errorf("parse items: %w", err)
			}
			out = append(out, Item{Object: it.Raw[start:d.InputOffset()]})
			continue
		}
		item, err := decodeItem(d, it.Raw)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
}

// decodeItem reads the children of a w:Item element.
func decodeItem(d *xml.Decoder, raw []byte) (Item, error) {
	var item Item
	for {
		start := d.InputOffset()
		tok, err := d.Token()
		if err != nil {
			return item, fmt.Errorf("parse item: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "EndpointReference" {
				var epr EndpointReference
				if err := d.DecodeElement(&epr, &t); err != nil {
					return item, fmt.Errorf("parse item reference: %w", err)
				}
				item.EPR = &epr
				continue
			}
			if err := d.Skip(); err != nil {
				return item, fmt.Errorf("parse item: %w", err)
			}
			if item.Object == nil {
				item.Object = raw[start:d.InputOffset()]
			}
		case xml.EndElement:
			return item, nil
		}
	}
}

// Subscription represents an active event subscription.
type Subscription struct {
	SubscriptionID     string
	EnumerationContext string
	Expires            string
	Manager            *EndpointReference
}
