package hl7v2

import (
	"fmt"
	"strings"
	"time"

	"github.com/savegress/xdsmediator/internal/datatypes"
)

const hl7Timestamp = "20060102150405"

// EndpointIdentity carries the MSH sending/receiving application and
// facility fields for outbound messages.
type EndpointIdentity struct {
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
}

// PatientRecord is the demographic payload of an ADT^A04 identity feed.
type PatientRecord struct {
	Identifiers  []datatypes.Identifier
	GivenName    string
	FamilyName   string
	Gender       string
	BirthDate    string
	Telecom      string
	LanguageCode string
}

func buildMSH(identity EndpointIdentity, messageType, controlID string, at time.Time) string {
	return strings.Join([]string{
		"MSH", "^~\\&",
		identity.SendingApplication, identity.SendingFacility,
		identity.ReceivingApplication, identity.ReceivingFacility,
		at.Format(hl7Timestamp), "",
		messageType, controlID, "P", "2.5",
	}, DefaultFieldSeparator)
}

// BuildQBPQ21 builds an IHE PIX Query (QBP^Q21^QBP_Q21) asking the MPI to
// cross-reference the patient identifier into the target domain.
func BuildQBPQ21(identity EndpointIdentity, controlID, queryTag string, patient datatypes.Identifier, target datatypes.AssigningAuthority, at time.Time) []byte {
	segments := []string{
		buildMSH(identity, "QBP^Q21^QBP_Q21", controlID, at),
		strings.Join([]string{
			"QPD", "IHE PIX Query", queryTag,
			patient.CX(), "^^^" + target.String(),
		}, DefaultFieldSeparator),
		"RCP|I",
	}
	return []byte(strings.Join(segments, SegmentTerminator) + SegmentTerminator)
}

// BuildADTA04 builds a patient identity feed (ADT^A04) from the PnR-derived
// demographics. Absent demographics leave their PID fields empty.
func BuildADTA04(identity EndpointIdentity, controlID string, patient PatientRecord, at time.Time) []byte {
	ids := make([]string, 0, len(patient.Identifiers))
	for _, id := range patient.Identifiers {
		ids = append(ids, id.CX())
	}

	var name string
	if patient.FamilyName != "" || patient.GivenName != "" {
		name = patient.FamilyName + DefaultComponentSeparator + patient.GivenName
	}

	pid := make([]string, 16)
	pid[0] = "PID"
	pid[1] = "1"
	pid[3] = strings.Join(ids, DefaultRepetitionSep)
	pid[5] = name
	pid[7] = patient.BirthDate
	pid[8] = patient.Gender
	pid[13] = patient.Telecom
	pid[15] = patient.LanguageCode

	segments := []string{
		buildMSH(identity, "ADT^A04^ADT_A01", controlID, at),
		strings.Join([]string{"EVN", "A04", at.Format(hl7Timestamp)}, DefaultFieldSeparator),
		strings.Join(pid, DefaultFieldSeparator),
	}
	return []byte(strings.Join(segments, SegmentTerminator) + SegmentTerminator)
}

// ParseRSPK23 extracts the cross-referenced identifier from a PIX query
// response. Returns nil when the MPI knows no identifier in the target
// domain; an application error in the response is returned as an error.
func ParseRSPK23(msg *Message, target datatypes.AssigningAuthority) (*datatypes.Identifier, error) {
	if msg.Type != MessageTypeRSP || msg.TriggerEvent != "K23" {
		return nil, fmt.Errorf("unexpected response message type %s^%s", msg.Type, msg.TriggerEvent)
	}

	if msa := msg.Segment("MSA"); msa != nil {
		code := strings.ToUpper(msa.Field(1))
		if code != "AA" && code != "CA" {
			return nil, fmt.Errorf("query rejected with acknowledgment code %s", code)
		}
	}

	if qak := msg.Segment("QAK"); qak != nil {
		switch strings.ToUpper(qak.Field(2)) {
		case "NF":
			return nil, nil
		case "AE", "AR":
			return nil, fmt.Errorf("query returned application error")
		}
	}

	pid := msg.Segment("PID")
	if pid == nil {
		return nil, nil
	}

	for _, rep := range pid.Repetitions(3) {
		id, err := datatypes.ParseCX(rep)
		if err != nil {
			continue
		}
		if id.Authority.Matches(target) {
			return &id, nil
		}
	}

	return nil, nil
}

// ParseACKError inspects an identity feed acknowledgment. Returns "" on
// acceptance, otherwise an error message carrying the ERR-3 code and text.
func ParseACKError(msg *Message) string {
	msa := msg.Segment("MSA")
	if msa != nil && strings.EqualFold(msa.Field(1), "AA") {
		return ""
	}

	err := "Failed to register new patient:\n"
	if errSeg := msg.Segment("ERR"); errSeg != nil {
		if code := errSeg.Component(3, 1); code != "" {
			err += code + "\n"
		}
		if text := errSeg.Component(3, 2); text != "" {
			err += text + "\n"
		}
	}
	return err
}
