package iso7816

import (
	"fmt"
)

// SELECT (INS 'A4', ISO 7816-4 §11.2.2).
//
// P1 says how the target is named. P2 packs two fields:
//
//	b4-b3  what the card returns (FCI, FCP, FMD or nothing)
//	b2-b1  which occurrence of a partially matching name (first, last, next, previous)

// SelectionMethod is P1, the way the target is named.
type SelectionMethod byte

const (
	MethodFileID     SelectionMethod = 0x00
	MethodChildDF    SelectionMethod = 0x01
	MethodChildEF    SelectionMethod = 0x02
	MethodParentDF   SelectionMethod = 0x03
	MethodDFName     SelectionMethod = 0x04
	MethodPathFromMF SelectionMethod = 0x08
	MethodPathFromDF SelectionMethod = 0x09
)

var selectionMethods = map[SelectionMethod]string{
	MethodFileID:     "Select by File ID",
	MethodChildDF:    "Select Child DF",
	MethodChildEF:    "Select EF under current DF",
	MethodParentDF:   "Select Parent DF",
	MethodDFName:     "Select by DF Name (AID)",
	MethodPathFromMF: "Select Path from MF",
	MethodPathFromDF: "Select Path from Current DF",
}

func (s SelectionMethod) String() string {
	name, ok := selectionMethods[s]
	if !ok {
		name = fmt.Sprintf("Unknown Method (0x%02X)", byte(s))
	}
	return name
}

// FileOccurrence is P2 b2-b1.
type FileOccurrence byte

const (
	FirstOrOnlyOccurrence FileOccurrence = 0b00
	LastOccurrence        FileOccurrence = 0b01
	NextOccurrence        FileOccurrence = 0b10
	PreviousOccurrence    FileOccurrence = 0b11
)

var occurrences = [...]string{"First/Only", "Last", "Next", "Previous"}

func (f FileOccurrence) String() string {
	if f > PreviousOccurrence {
		return "Unknown Occurrence"
	}
	return occurrences[f]
}

// SelectionControl is P2 b4-b3.
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0b00_00
	ReturnFCP    SelectionControl = 0b01_00
	ReturnFMD    SelectionControl = 0b10_00
	ReturnNoData SelectionControl = 0b11_00
)

var selectionControls = map[SelectionControl]string{
	ReturnFCI:    "Return FCI",
	ReturnFCP:    "Return FCP",
	ReturnFMD:    "Return FMD",
	ReturnNoData: "No Response Data",
}

func (s SelectionControl) String() string {
	name, ok := selectionControls[s]
	if !ok {
		name = "Unknown Control"
	}
	return name
}

// SplitSelectP2 separates a SELECT P2 byte into its two fields.
func SplitSelectP2(p2 byte) (SelectionControl, FileOccurrence) {
	return SelectionControl(p2 & 0x0C), FileOccurrence(p2 & 0x03)
}

// NewSelectCommand builds SELECT from its P1 and P2 fields.
//
// A command carrying data is sent without Le so that it stays a case 3
// command under T=0. The card then announces its answer with '61XX' and the
// Client collects it. Without data, Le is 256 unless nothing is expected back.
func NewSelectCommand(cla Class, method SelectionMethod, occ FileOccurrence, ctrl SelectionControl, data []byte) *CommandAPDU {
	var ne int
	if len(data) == 0 && ctrl != ReturnNoData {
		ne = MaxShortLe
	}
	ins, _ := NewInstruction(INS_SELECT)
	return NewCommandAPDU(cla, ins, byte(method), byte(ctrl)|byte(occ), data, ne)
}

// SelectByAID selects an application by its full or partial AID.
func SelectByAID(cla Class, aid []byte) *CommandAPDU {
	return NewSelectCommand(cla, MethodDFName, FirstOrOnlyOccurrence, ReturnFCI, aid)
}

// SelectNextByAID asks for the next application whose AID starts with
// prefix. Repeating it walks every matching application until '6A82'.
func SelectNextByAID(cla Class, prefix []byte) *CommandAPDU {
	return NewSelectCommand(cla, MethodDFName, NextOccurrence, ReturnFCI, prefix)
}

// SelectByFileID selects an elementary or dedicated file by its two-byte
// identifier.
func SelectByFileID(cla Class, fid uint16) *CommandAPDU {
	return NewSelectCommand(cla, MethodFileID, FirstOrOnlyOccurrence, ReturnFCP, []byte{byte(fid >> 8), byte(fid)})
}

// SelectMF is SELECT with P1 00 and no data, which names the master file.
func SelectMF(cla Class) *CommandAPDU {
	return NewSelectCommand(cla, MethodFileID, FirstOrOnlyOccurrence, ReturnFCI, nil)
}
