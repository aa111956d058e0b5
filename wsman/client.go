package wsman

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smnsjas/go-wmi/wsman/transport"
)

const (
	// DefaultMaxEnvelopeSize is the MaxEnvelopeSize sent when none is configured.
	DefaultMaxEnvelopeSize = 512000

	// DefaultOperationTimeout is the OperationTimeout sent when none is configured.
	DefaultOperationTimeout = 60 * time.Second

	// DefaultMaxElements is the batch size requested by Enumerate and Pull.
	DefaultMaxElements = 32000
)

// Client is a WSMan client for communicating with WinRM endpoints.
type Client struct {
	endpoint  string
	transport *transport.HTTPTransport
	sessionID string

	locale           string
	maxEnvelopeSize  int
	operationTimeout time.Duration
	logger           *slog.Logger
}

// NewClient creates a new WSMan client.
func NewClient(endpoint string, tr *transport.HTTPTransport) *Client {
	return &Client{
		endpoint:         endpoint,
		transport:        tr,
		sessionID:        "uuid:" + strings.ToUpper(uuid.New().String()),
		locale:           "en-US",
		maxEnvelopeSize:  DefaultMaxEnvelopeSize,
		operationTimeout: DefaultOperationTimeout,
		logger:           slog.New(slog.DiscardHandler),
	}
}

// Endpoint returns the WinRM endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// SetSessionID sets the WS-Management SessionId for the client.
func (c *Client) SetSessionID(sessionID string) {
	c.sessionID = sessionID
}

// SetLocale sets the Locale and DataLocale headers. An empty locale omits them.
func (c *Client) SetLocale(locale string) {
	c.locale = locale
}

// SetOperationTimeout sets the default OperationTimeout header.
func (c *Client) SetOperationTimeout(d time.Duration) {
	if d > 0 {
		c.operationTimeout = d
	}
}

// SetLogger sets the logger used for request tracing.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// newEnvelope builds an envelope with the headers every request carries.
func (c *Client) newEnvelope(action, resourceURI string, opts *RequestOptions) *Envelope {
	timeout := c.operationTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	env := NewEnvelope().
		WithAction(action).
		WithTo(c.endpoint).
		WithResourceURI(resourceURI).
		WithMessageID("uuid:" + strings.ToUpper(uuid.New().String())).
		WithReplyTo(AddressAnonymous).
		WithMaxEnvelopeSize(c.maxEnvelopeSize).
		WithOperationTimeout(FormatDuration(timeout)).
		WithSessionID(c.sessionID).
		WithLocale(c.locale).
		WithDataLocale(c.locale)
	if opts != nil {
		for _, o := range opts.Options {
			env.WithTypedOption(o)
		}
	}
	return env
}

// Get retrieves the resource addressed by resourceURI and selectors and
// returns the XML of the resource element.
func (c *Client) Get(ctx context.Context, resourceURI string, selectors []Selector, opts *RequestOptions) ([]byte, error) {
	env := c.newEnvelope(ActionGet, resourceURI, opts).WithSelectors(selectors)

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return bodyContent(respBody)
}

// Put replaces the resource addressed by resourceURI and selectors with
// body and returns the updated resource XML.
func (c *Client) Put(ctx context.Context, resourceURI string, selectors []Selector, body []byte, opts *RequestOptions) ([]byte, error) {
	env := c.newEnvelope(ActionPut, resourceURI, opts).
		WithSelectors(selectors).
		WithBody(body)

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("put: %w", err)
	}
	return bodyContent(respBody)
}

// Create creates a new resource from body and returns its EndpointReference.
func (c *Client) Create(ctx context.Context, resourceURI string, body []byte, opts *RequestOptions) (*EndpointReference, error) {
	env := c.newEnvelope(ActionCreate, resourceURI, opts).WithBody(body)

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	// Parse CreateResponse to get the authoritative Endpoint Reference
	var resp createResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse create response: %w", err)
	}

	epr := resp.Body.ResourceCreated
	if epr.ResourceURI == "" {
		epr.ResourceURI = resourceURI
	}
	return &epr, nil
}

// Delete deletes the resource at epr.
func (c *Client) Delete(ctx context.Context, epr *EndpointReference, opts *RequestOptions) error {
	env := c.newEnvelope(ActionDelete, epr.ResourceURI, opts).WithSelectors(epr.Selectors)

	if _, err := c.sendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Invoke calls method on the resource addressed by resourceURI and
// selectors. No selectors invokes a static method on the class. The
// returned bytes are the method output element.
func (c *Client) Invoke(ctx context.Context, resourceURI, method string, selectors []Selector, body []byte, opts *RequestOptions) ([]byte, error) {
	env := c.newEnvelope(resourceURI+"/"+method, resourceURI, opts).
		WithSelectors(selectors).
		WithBody(body)

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", method, err)
	}
	return bodyContent(respBody)
}

// Enumerate starts an optimized enumeration of resourceURI. A nil filter
// enumerates every instance. The first batch arrives in the response; the
// rest is fetched with Pull until EndOfSequence.
func (c *Client) Enumerate(ctx context.Context, resourceURI string, filter *Filter, opts *RequestOptions) (*EnumerateResponse, error) {
	env := c.newEnvelope(ActionEnumerate, resourceURI, opts)

	body, err := xml.Marshal(Enumerate{
		Wsen:                NsEnumeration,
		OptimizeEnumeration: &struct{}{},
		MaxElements:         DefaultMaxElements,
		EnumerationMode:     EnumerationModeObjectAndEPR,
		Filter:              filter,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal enumerate body: %w", err)
	}
	env.WithBody(body)

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}

	var resp struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			EnumerateResponse EnumerateResponse `xml:"EnumerateResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse enumerate response: %w", err)
	}
	return &resp.Body.EnumerateResponse, nil
}

// Pull retrieves the next batch of an enumeration or pull subscription.
func (c *Client) Pull(ctx context.Context, resourceURI, enumContext string, maxElements int) (*PullResponse, error) {
	return c.PullWait(ctx, resourceURI, enumContext, maxElements, 0)
}

// PullWait is Pull with a MaxTime: the server holds the request up to
// maxTime waiting for items, which is how event subscriptions are polled.
// The OperationTimeout is raised above maxTime so the server answers with an
// empty batch or a TimedOut fault rather than a transport timeout.
func (c *Client) PullWait(ctx context.Context, resourceURI, enumContext string, maxElements int, maxTime time.Duration) (*PullResponse, error) {
	var opts *RequestOptions
	pull := Pull{
		Wsen:               NsEnumeration,
		EnumerationContext: enumContext,
		MaxElements:        maxElements,
	}
	if maxTime > 0 {
		pull.MaxTime = FormatDuration(maxTime)
		opts = &RequestOptions{Timeout: maxTime + 5*time.Second}
	}
	env := c.newEnvelope(ActionPull, resourceURI, opts)

	body, err := xml.Marshal(pull)
	if err != nil {
		return nil, fmt.Errorf("marshal pull body: %w", err)
	}
	env.WithBody(body)

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}

	var resp struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			PullResponse PullResponse `xml:"PullResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse pull response: %w", err)
	}
	return &resp.Body.PullResponse, nil
}

// Release ends an enumeration before EndOfSequence.
func (c *Client) Release(ctx context.Context, resourceURI, enumContext string) error {
	env := c.newEnvelope(ActionRelease, resourceURI, nil)

	body, err := xml.Marshal(Release{Wsen: NsEnumeration, EnumerationContext: enumContext})
	if err != nil {
		return fmt.Errorf("marshal release body: %w", err)
	}
	env.WithBody(body)

	if _, err := c.sendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Subscribe creates a pull-mode event subscription for the WQL query.
// Events are retrieved with Pull using the returned EnumerationContext.
func (c *Client) Subscribe(ctx context.Context, resourceURI, query string) (*Subscription, error) {
	env := c.newEnvelope(ActionSubscribe, resourceURI, nil)

	body, err := xml.Marshal(Subscribe{
		Wse:      NsEventing,
		Delivery: Delivery{Mode: DeliveryModePull},
		Filter:   Filter{Dialect: DialectWQL, Query: query},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe body: %w", err)
	}
	env.WithBody(body)

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	var resp struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			SubscribeResponse SubscribeResponse `xml:"SubscribeResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse subscribe response: %w", err)
	}

	sr := resp.Body.SubscribeResponse
	manager := sr.SubscriptionManager
	if manager.ResourceURI == "" {
		manager.ResourceURI = resourceURI
	}
	c.logger.Debug("subscription created",
		"resource_uri", resourceURI,
		"subscription_id", manager.Identifier)

	return &Subscription{
		SubscriptionID:     manager.Identifier,
		EnumerationContext: sr.EnumerationContext,
		Expires:            sr.Expires,
		Manager:            &manager,
	}, nil
}

// Unsubscribe ends an event subscription.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	resourceURI := ""
	var selectors []Selector
	id := sub.SubscriptionID
	if sub.Manager != nil {
		resourceURI = sub.Manager.ResourceURI
		selectors = sub.Manager.Selectors
		if id == "" {
			id = sub.Manager.Identifier
		}
	}

	env := c.newEnvelope(ActionUnsubscribe, resourceURI, nil).
		WithSelectors(selectors).
		WithIdentifier(id)

	body, err := xml.Marshal(Unsubscribe{Wse: NsEventing})
	if err != nil {
		return fmt.Errorf("marshal unsubscribe body: %w", err)
	}
	env.WithBody(body)

	if _, err := c.sendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// sendEnvelope marshals and sends a SOAP envelope, returning the response body.
func (c *Client) sendEnvelope(ctx context.Context, env *Envelope) ([]byte, error) {
	body, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	c.logger.Debug("wsman request",
		"action", env.Header.Action,
		"resource_uri", env.Header.ResourceURI,
		"message_id", env.Header.MessageID)

	respBody, err := c.transport.Post(ctx, c.endpoint, body)
	if err != nil {
		var se *transport.StatusError
		if errors.As(err, &se) {
			if fault, ferr := ParseFault(se.Body); ferr == nil && fault != nil {
				return nil, fmt.Errorf("wsman: %w", fault)
			}
		}
		return nil, err
	}

	// Check for SOAP Fault even in successful HTTP responses
	if err := CheckFault(respBody); err != nil {
		return nil, fmt.Errorf("wsman: %w", err)
	}

	return respBody, nil
}

// CloseIdleConnections closes any idle connections in the underlying transport.
// This forces a fresh NTLM handshake for subsequent requests.
func (c *Client) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

// FormatDuration renders d as an xs:duration in seconds (e.g. "PT60.000S").
func FormatDuration(d time.Duration) string {
	if d%time.Second == 0 {
		return "PT" + strconv.FormatInt(int64(d/time.Second), 10) + "S"
	}
	return "PT" + strconv.FormatFloat(d.Seconds(), 'f', 3, 64) + "S"
}

// bodyContent returns the inner XML of the SOAP body.
func bodyContent(data []byte) ([]byte, error) {
	var env struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			Content []byte `xml:",innerxml"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse response body: %w", err)
	}
	return env.Body.Content, nil
}

// Response types for XML parsing.

type createResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		ResourceCreated EndpointReference `xml:"ResourceCreated"`
	} `xml:"Body"`
}
