package iso7816

import (
	"github.com/gregLibert/card-edge/pkg/tlv"
)

// GET DATA COMMAND LOGIC (ISO 7816-4):
// GET DATA retrieves one data object from the current context.
//
// INS 'CA' (simple form):
// - P1-P2: the tag of the object, up to two bytes.
//
// INS 'CB' (BER form):
// - P1-P2: file identifier, '3FFF' for the current DF.
// - Data:  a tag list '5C' naming the object, which allows three byte tags.
//
// Both expect response data, so Le is always MaxShortLe ('00').

// CurrentDF is the file identifier designating the currently selected DF.
const CurrentDF uint16 = 0x3FFF

// TagList is the data object carrying the tags requested by GET DATA (BER).
var TagList = tlv.Tag{0x5C}

// GetData builds GET DATA (INS 'CA') for a one or two byte tag.
func GetData(cla Class, tag uint16) *CommandAPDU {
	ins, _ := NewInstruction(INS_GET_DATA)
	return NewCommandAPDU(cla, ins, byte(tag>>8), byte(tag), nil, MaxShortLe)
}

// GetDataBER builds GET DATA (INS 'CB') on fileID asking for the object tag.
func GetDataBER(cla Class, fileID uint16, tag tlv.Tag) *CommandAPDU {
	ins, _ := NewInstruction(INS_GET_DATA_BER)
	data := tlv.Encode(tlv.NewRecord(TagList, tag))
	return NewCommandAPDU(cla, ins, byte(fileID>>8), byte(fileID), data, MaxShortLe)
}

// RequestedTag returns the tag a GET DATA command asks for, or nil when cmd is
// not a GET DATA command.
func RequestedTag(cmd *CommandAPDU) tlv.Tag {
	if cmd == nil {
		return nil
	}

	switch cmd.Instruction.Raw {
	case INS_GET_DATA:
		if cmd.P1 == 0x00 {
			return tlv.Tag{cmd.P2}
		}
		return tlv.Tag{cmd.P1, cmd.P2}
	case INS_GET_DATA_BER:
		tag, err := tlv.GetValue(cmd.Data, TagList)
		if err != nil {
			return nil
		}
		return tlv.Tag(tag)
	}
	return nil
}
