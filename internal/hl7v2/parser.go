package hl7v2

import (
	"fmt"
	"strings"
)

// Parser parses HL7 v2.x messages
type Parser struct {
	strictMode bool
}

// ParserConfig holds parser configuration
type ParserConfig struct {
	StrictMode bool
}

// NewParser creates a new HL7 v2.x parser
func NewParser(config *ParserConfig) *Parser {
	strictMode := false
	if config != nil {
		strictMode = config.StrictMode
	}
	return &Parser{strictMode: strictMode}
}

// Parse parses an HL7 v2.x message from raw data
func (p *Parser) Parse(data []byte) (*Message, error) {
	content := string(data)

	// Normalize line endings
	content = strings.ReplaceAll(content, "\r\n", "\r")
	content = strings.ReplaceAll(content, "\n", "\r")

	segmentStrings := strings.Split(content, SegmentTerminator)
	if len(segmentStrings) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	mshStr := strings.TrimSpace(segmentStrings[0])
	if !strings.HasPrefix(mshStr, "MSH") {
		return nil, fmt.Errorf("message must start with MSH segment")
	}
	if len(mshStr) < 8 {
		return nil, fmt.Errorf("invalid MSH segment: too short")
	}

	msg := &Message{RawData: data}

	for i, segStr := range segmentStrings {
		segStr = strings.TrimSpace(segStr)
		if segStr == "" {
			continue
		}
		if len(segStr) < 3 {
			if p.strictMode {
				return nil, fmt.Errorf("segment %d too short", i)
			}
			continue
		}
		msg.Segments = append(msg.Segments, &Segment{
			Name:   segStr[:3],
			fields: strings.Split(segStr, DefaultFieldSeparator),
		})
	}

	msh := msg.Segment("MSH")
	if msh == nil {
		return nil, fmt.Errorf("message has no MSH segment")
	}

	msg.Type = MessageType(msh.Component(9, 1))
	msg.TriggerEvent = msh.Component(9, 2)
	msg.Structure = msh.Component(9, 3)
	msg.ControlID = msh.Field(10)
	msg.Version = msh.Field(12)

	return msg, nil
}
