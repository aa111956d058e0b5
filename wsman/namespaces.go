package wsman

import "strings"

// XML Namespace URIs for WS-Management protocol.
const (
	// NsSoap is the SOAP 1.2 envelope namespace.
	NsSoap = "http://www.w3.org/2003/05/soap-envelope"

	// NsAddressing is the WS-Addressing namespace.
	NsAddressing = "http://schemas.xmlsoap.org/ws/2004/08/addressing"

	// NsWsman is the DMTF WS-Management namespace.
	NsWsman = "http://schemas.dmtf.org/wbem/wsman/1/wsman.xsd"

	// NsWsmanMicrosoft is the Microsoft WS-Management namespace extension.
	NsWsmanMicrosoft = "http://schemas.microsoft.com/wbem/wsman/1/wsman.xsd"

	// NsTransfer is the WS-Transfer namespace.
	NsTransfer = "http://schemas.xmlsoap.org/ws/2004/09/transfer"

	// NsEnumeration is the WS-Enumeration namespace.
	NsEnumeration = "http://schemas.xmlsoap.org/ws/2004/09/enumeration"

	// NsEventing is the WS-Eventing namespace.
	NsEventing = "http://schemas.xmlsoap.org/ws/2004/08/eventing"

	// NsCimBinding is the WS-CIM binding namespace used by association filters.
	NsCimBinding = "http://schemas.dmtf.org/wbem/wsman/1/cimbinding.xsd"

	// NsCimCommon is the WS-CIM namespace of the cim:Datetime and
	// cim:Interval property encodings.
	NsCimCommon = "http://schemas.dmtf.org/wbem/wscim/1/common"

	// NsXsi is the XML Schema Instance namespace.
	NsXsi = "http://www.w3.org/2001/XMLSchema-instance"
)

// WS-Addressing constants.
const (
	// AddressAnonymous is the WS-Addressing anonymous reply address.
	AddressAnonymous = "http://schemas.xmlsoap.org/ws/2004/08/addressing/role/anonymous"
)

// WSMan Action URIs for WS-Transfer operations.
const (
	// ActionGet retrieves a resource.
	ActionGet = "http://schemas.xmlsoap.org/ws/2004/09/transfer/Get"

	// ActionPut updates a resource.
	ActionPut = "http://schemas.xmlsoap.org/ws/2004/09/transfer/Put"

	// ActionCreate creates a new resource.
	ActionCreate = "http://schemas.xmlsoap.org/ws/2004/09/transfer/Create"

	// ActionCreateResponse is the response to Create.
	ActionCreateResponse = "http://schemas.xmlsoap.org/ws/2004/09/transfer/CreateResponse"

	// ActionDelete removes a resource.
	ActionDelete = "http://schemas.xmlsoap.org/ws/2004/09/transfer/Delete"

	// ActionDeleteResponse is the response to Delete.
	ActionDeleteResponse = "http://schemas.xmlsoap.org/ws/2004/09/transfer/DeleteResponse"
)

// WSMan Action URIs for Enumeration.
const (
	// ActionEnumerate enumerates resources.
	ActionEnumerate = "http://schemas.xmlsoap.org/ws/2004/09/enumeration/Enumerate"

	// ActionEnumerateResponse is the response to Enumerate.
	ActionEnumerateResponse = "http://schemas.xmlsoap.org/ws/2004/09/enumeration/EnumerateResponse"

	// ActionPull retrieves the next batch of an enumeration or pull subscription.
	ActionPull = "http://schemas.xmlsoap.org/ws/2004/09/enumeration/Pull"

	// ActionRelease ends an enumeration early.
	ActionRelease = "http://schemas.xmlsoap.org/ws/2004/09/enumeration/Release"
)

// WSMan Action URIs for Eventing.
const (
	// ActionSubscribe creates an event subscription.
	ActionSubscribe = "http://schemas.xmlsoap.org/ws/2004/08/eventing/Subscribe"

	// ActionUnsubscribe ends an event subscription.
	ActionUnsubscribe = "http://schemas.xmlsoap.org/ws/2004/08/eventing/Unsubscribe"
)

// Filter dialects.
const (
	// DialectWQL selects instances with a WQL query.
	DialectWQL = "http://schemas.microsoft.com/wbem/wsman/1/WQL"

	// DialectAssociation selects instances related to an object.
	DialectAssociation = "http://schemas.dmtf.org/wbem/wsman/1/cimbinding/associationFilter"

	// DialectSelector selects instances by key values.
	DialectSelector = "http://schemas.dmtf.org/wbem/wsman/1/wsman/SelectorFilter"
)

// Enumeration and delivery modes.
const (
	// EnumerationModeObjectAndEPR returns each object with its endpoint reference.
	EnumerationModeObjectAndEPR = "EnumerateObjectAndEPR"

	// DeliveryModePull is the WS-Management pull delivery mode for events.
	DeliveryModePull = "http://schemas.dmtf.org/wbem/wsman/1/wsman/Pull"
)

// Resource URI roots for WMI.
const (
	// ResourceURIWMI is the root for WMI classes exposed through WinRM.
	ResourceURIWMI = "http://schemas.microsoft.com/wbem/wsman/1/wmi"

	// ResourceURICIMSchema is the root for class (schema) retrieval.
	ResourceURICIMSchema = "http://schemas.dmtf.org/wbem/cim-xml/2/cim-schema/2"
)

// SelectorCIMNamespace names the namespace selector used with
// ResourceURICIMSchema.
const SelectorCIMNamespace = "__cimnamespace"

// WMIResourceURI returns the resource URI of a WMI class in namespace ns.
// An empty class selects all classes ("*"), as used by WQL enumerations and
// subscriptions.
func WMIResourceURI(ns, class string) string {
	ns = strings.Trim(strings.ReplaceAll(ns, `\`, "/"), "/")
	if class == "" {
		class = "*"
	}
	return ResourceURIWMI + "/" + ns + "/" + class
}

// ClassResourceURI returns the schema resource URI for class.
func ClassResourceURI(class string) string {
	return ResourceURICIMSchema + "/" + class
}
