package iso7816

// VERIFY COMMAND LOGIC (ISO 7816-4, INS '20'):
// - P1: '00'.
// - P2: reference data qualifier. '80' is a specific (application) reference.
// - Data: the reference data, usually a PIN. An absent data field asks the
//   card for the verification state instead: '9000' when already verified,
//   '63CX' with the remaining tries otherwise.

// Verify builds VERIFY presenting pin for the reference qualifier ref.
// The PIN is sent as given; any formatting or padding belongs to the caller.
func Verify(cla Class, ref byte, pin []byte) *CommandAPDU {
	ins, _ := NewInstruction(INS_VERIFY)
	return NewCommandAPDU(cla, ins, 0x00, ref, pin, 0)
}

// VerifyStatus builds VERIFY without data, querying the retry counter of ref.
func VerifyStatus(cla Class, ref byte) *CommandAPDU {
	return Verify(cla, ref, nil)
}
