package orchestrator

import (
	"strings"
)

// XDS registry error codes
const (
	ErrorCodeRegistryError    = "XDSRegistryError"
	ErrorCodeRepositoryError  = "XDSRepositoryError"
	ErrorCodeUnknownPatientID = "XDSUnknownPatientId"

	SeverityError = "urn:oasis:names:tc:ebxml-regrep:ErrorSeverityType:Error"

	responseStatusFailure = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Failure"
)

// RegistryError is one entry of a RegistryResponse error list.
type RegistryError struct {
	Code        string
	CodeContext string
	Severity    string
}

// NewRegistryError creates an error-severity registry error.
func NewRegistryError(code, codeContext string) RegistryError {
	return RegistryError{Code: code, CodeContext: codeContext, Severity: SeverityError}
}

// BuildRegistryResponse renders a SOAP envelope carrying a failed
// RegistryResponse with one RegistryError per distinct failure. The element
// shapes are wire-contract; downstream XDS actors match on them literally.
func BuildRegistryResponse(errors []RegistryError) []byte {
	var b strings.Builder

	b.WriteString(`<soapenv:Envelope xmlns:soapenv="http://www.w3.org/2003/05/soap-envelope"><soapenv:Body>`)
	b.WriteString(`<ns3:RegistryResponse xmlns:ns3="urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0" status="`)
	b.WriteString(responseStatusFailure)
	b.WriteString(`"><ns3:RegistryErrorList>`)

	for _, e := range errors {
		b.WriteString(`<ns3:RegistryError errorCode="`)
		b.WriteString(escapeAttr(e.Code))
		b.WriteString(`" codeContext="`)
		b.WriteString(escapeAttr(e.CodeContext))
		b.WriteString(`" severity="`)
		b.WriteString(escapeAttr(e.Severity))
		b.WriteString(`"/>`)
	}

	b.WriteString(`</ns3:RegistryErrorList></ns3:RegistryResponse></soapenv:Body></soapenv:Envelope>`)

	return []byte(b.String())
}

var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func escapeAttr(s string) string {
	return attrEscaper.Replace(s)
}
