package wsman

import (
	"encoding/xml"
)

// Envelope represents a SOAP 1.2 envelope for WS-Management messages.
type Envelope struct {
	XMLName xml.Name `xml:"s:Envelope"`

	// Namespace declarations
	NsSoap    string `xml:"xmlns:s,attr"`
	NsAddr    string `xml:"xmlns:a,attr"`
	NsWsman   string `xml:"xmlns:w,attr"`
	NsMsWsman string `xml:"xmlns:p,attr"`
	NsXsiAttr string `xml:"xmlns:xsi,attr,omitempty"`

	Header *Header `xml:"s:Header"`
	Body   *Body   `xml:"s:Body"`
}

// Header represents the SOAP header containing WS-Addressing and WS-Management headers.
type Header struct {
	// WS-Addressing headers
	Action    string   `xml:"a:Action,omitempty"`
	To        string   `xml:"a:To,omitempty"`
	MessageID string   `xml:"a:MessageID,omitempty"`
	ReplyTo   *ReplyTo `xml:"a:ReplyTo,omitempty"`

	// WS-Management headers
	ResourceURI      string  `xml:"w:ResourceURI,omitempty"`
	MaxEnvelopeSize  int     `xml:"w:MaxEnvelopeSize,omitempty"`
	OperationTimeout string  `xml:"w:OperationTimeout,omitempty"`
	Locale           *Locale `xml:"w:Locale,omitempty"`
	DataLocale       *Locale `xml:"p:DataLocale,omitempty"`
	SessionID        string  `xml:"p:SessionId,omitempty"`

	SelectorSet *SelectorSet `xml:"w:SelectorSet,omitempty"`
	OptionSet   *OptionSet   `xml:"w:OptionSet,omitempty"`

	// WS-Eventing reference parameter echoed on Unsubscribe.
	Identifier *Identifier `xml:"wse:Identifier,omitempty"`
}

// ReplyTo represents the WS-Addressing ReplyTo element.
type ReplyTo struct {
	Address string `xml:"a:Address"`
}

// Locale represents the w:Locale and p:DataLocale headers.
type Locale struct {
	Lang           string `xml:"xml:lang,attr"`
	MustUnderstand string `xml:"s:mustUnderstand,attr,omitempty"`
}

// Identifier carries a WS-Eventing subscription identifier.
type Identifier struct {
	NsEventing string `xml:"xmlns:wse,attr"`
	Value      string `xml:",chardata"`
}

// SelectorSet contains selectors for targeting specific resources.
type SelectorSet struct {
	Selectors []Selector `xml:"w:Selector"`
}

// Selector represents a single selector key-value pair.
type Selector struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:",chardata"`
}

// OptionSet contains options for the operation.
type OptionSet struct {
	MustUnderstand string   `xml:"s:mustUnderstand,attr,omitempty"`
	Options        []Option `xml:"w:Option"`
}

// Option represents a single option.
type Option struct {
	Name       string `xml:"Name,attr"`
	Type       string `xml:"Type,attr,omitempty"`
	MustComply bool   `xml:"MustComply,attr,omitempty"`
	Value      string `xml:",chardata"`
}

// Body represents the SOAP body.
type Body struct {
	Content []byte `xml:",innerxml"`
}

// NewEnvelope creates a new SOAP envelope with required namespace declarations.
func NewEnvelope() *Envelope {
	return &Envelope{
		NsSoap:    NsSoap,
		NsAddr:    NsAddressing,
		NsWsman:   NsWsman,
		NsMsWsman: NsWsmanMicrosoft,
		Header:    &Header{},
		Body:      &Body{},
	}
}

// WithAction sets the WS-Addressing Action header.
func (e *Envelope) WithAction(action string) *Envelope {
	e.Header.Action = action
	return e
}

// WithTo sets the WS-Addressing To header (the endpoint URL).
func (e *Envelope) WithTo(to string) *Envelope {
	e.Header.To = to
	return e
}

// WithMessageID sets the WS-Addressing MessageID header.
func (e *Envelope) WithMessageID(messageID string) *Envelope {
	e.Header.MessageID = messageID
	return e
}

// WithReplyTo sets the WS-Addressing ReplyTo header.
func (e *Envelope) WithReplyTo(address string) *Envelope {
	e.Header.ReplyTo = &ReplyTo{Address: address}
	return e
}

// WithResourceURI sets the WS-Management ResourceURI header.
func (e *Envelope) WithResourceURI(uri string) *Envelope {
	e.Header.ResourceURI = uri
	return e
}

// WithMaxEnvelopeSize sets the WS-Management MaxEnvelopeSize header.
func (e *Envelope) WithMaxEnvelopeSize(size int) *Envelope {
	e.Header.MaxEnvelopeSize = size
	return e
}

// WithOperationTimeout sets the WS-Management OperationTimeout header.
// The timeout should be in ISO 8601 duration format (e.g., "PT60S" for 60 seconds).
func (e *Envelope) WithOperationTimeout(timeout string) *Envelope {
	e.Header.OperationTimeout = timeout
	return e
}

// WithLocale sets the w:Locale header. The server may ignore it.
func (e *Envelope) WithLocale(lang string) *Envelope {
	if lang == "" {
		e.Header.Locale = nil
		return e
	}
	e.Header.Locale = &Locale{Lang: lang, MustUnderstand: "false"}
	return e
}

// WithDataLocale sets the p:DataLocale header used to format returned data.
func (e *Envelope) WithDataLocale(lang string) *Envelope {
	if lang == "" {
		e.Header.DataLocale = nil
		return e
	}
	e.Header.DataLocale = &Locale{Lang: lang, MustUnderstand: "false"}
	return e
}

// WithSessionID sets the p:SessionId header.
func (e *Envelope) WithSessionID(id string) *Envelope {
	e.Header.SessionID = id
	return e
}

// WithIdentifier sets the WS-Eventing Identifier header.
func (e *Envelope) WithIdentifier(id string) *Envelope {
	if id == "" {
		e.Header.Identifier = nil
		return e
	}
	e.Header.Identifier = &Identifier{NsEventing: NsEventing, Value: id}
	return e
}

// WithSelector adds a selector to the SelectorSet.
func (e *Envelope) WithSelector(name, value string) *Envelope {
	if e.Header.SelectorSet == nil {
		e.Header.SelectorSet = &SelectorSet{}
	}
	e.Header.SelectorSet.Selectors = append(e.Header.SelectorSet.Selectors,
		Selector{Name: name, Value: value})
	return e
}

// WithSelectors adds every selector in sel to the SelectorSet.
func (e *Envelope) WithSelectors(sel []Selector) *Envelope {
	for _, s := range sel {
		e.WithSelector(s.Name, s.Value)
	}
	return e
}

// WithOption adds an option to the OptionSet.
func (e *Envelope) WithOption(name, value string) *Envelope {
	return e.WithTypedOption(Option{Name: name, Value: value})
}

// WithTypedOption adds opt to the OptionSet. When the option must be
// honoured the whole set is marked mustUnderstand.
func (e *Envelope) WithTypedOption(opt Option) *Envelope {
	if e.Header.OptionSet == nil {
		e.Header.OptionSet = &OptionSet{}
	}
	e.Header.OptionSet.Options = append(e.Header.OptionSet.Options, opt)
	if opt.MustComply {
		e.Header.OptionSet.MustUnderstand = "true"
	}
	return e
}

// WithOptionMustComply adds an option the server must honour or fault on.
func (e *Envelope) WithOptionMustComply(name, value string) *Envelope {
	return e.WithTypedOption(Option{Name: name, Value: value, MustComply: true})
}

// WithBody sets the SOAP body content.
func (e *Envelope) WithBody(content []byte) *Envelope {
	e.Body.Content = content
	return e
}

// Marshal serializes the envelope to XML.
func (e *Envelope) Marshal() ([]byte, error) {
	return xml.Marshal(e)
}

// MarshalIndent serializes the envelope to indented XML.
func (e *Envelope) MarshalIndent(prefix, indent string) ([]byte, error) {
	return xml.MarshalIndent(e, prefix, indent)
}
