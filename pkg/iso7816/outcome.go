package iso7816

import "fmt"

// STATUS WORD CLASSIFICATION:
// Classify turns a raw status word into an Outcome that drives the client's
// control flow. Only two outcomes are ever acted upon automatically:
//
//   - MoreDataAvailable ('61XX'): XX more bytes can be fetched with GET RESPONSE.
//     XX = 00 means "256 or more".
//   - WrongLength ('6CXX'): the previous command must be re-issued with Le = XX.
//
// Every other outcome terminates the logical operation. Unlisted codes are
// reported as Unrecognized and never treated as success.

// Kind is the semantic category of a status word.
type Kind int

const (
	Unrecognized Kind = iota
	Success
	MoreDataAvailable
	WrongLength
	WarningCounter
	WrongLengthNoInfo
	SecurityConditionNotSatisfied
	AuthenticationBlocked
	ConditionsNotSatisfied
	IncorrectData
	FileNotFound
	RecordNotFound
	IncorrectP1P2
	ReferenceDataNotFound
	InstructionNotSupported
	ClassNotSupported
)

var kindNames = map[Kind]string{
	Unrecognized:                  "Unrecognized",
	Success:                       "Success",
	MoreDataAvailable:             "MoreDataAvailable",
	WrongLength:                   "WrongLength",
	WarningCounter:                "WarningCounter",
	WrongLengthNoInfo:             "WrongLengthNoInfo",
	SecurityConditionNotSatisfied: "SecurityConditionNotSatisfied",
	AuthenticationBlocked:         "AuthenticationBlocked",
	ConditionsNotSatisfied:        "ConditionsNotSatisfied",
	IncorrectData:                 "IncorrectData",
	FileNotFound:                  "FileNotFound",
	RecordNotFound:                "RecordNotFound",
	IncorrectP1P2:                 "IncorrectP1P2",
	ReferenceDataNotFound:         "ReferenceDataNotFound",
	InstructionNotSupported:       "InstructionNotSupported",
	ClassNotSupported:             "ClassNotSupported",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Outcome is the classified form of a status word.
//
// Length is meaningful for MoreDataAvailable (bytes still available),
// WrongLength (the exact Le to use) and WarningCounter (the counter value).
type Outcome struct {
	Kind   Kind
	Status StatusWord
	Length int
}

// AtLeast reports whether Length is a lower bound rather than an exact count,
// which is the case for '6100'.
func (o Outcome) AtLeast() bool {
	return o.Kind == MoreDataAvailable && o.Status.SW2() == 0x00
}

func (o Outcome) String() string {
	switch o.Kind {
	case MoreDataAvailable:
		if o.AtLeast() {
			return fmt.Sprintf("%s(>=%d)", o.Kind, o.Length)
		}
		return fmt.Sprintf("%s(%d)", o.Kind, o.Length)
	case WrongLength, WarningCounter:
		return fmt.Sprintf("%s(%d)", o.Kind, o.Length)
	case Unrecognized:
		return fmt.Sprintf("%s(%04X)", o.Kind, uint16(o.Status))
	default:
		return o.Kind.String()
	}
}

var staticOutcomes = map[StatusWord]Kind{
	SW_NO_ERROR:                    Success,
	SW_ERR_WRONG_LENGTH:            WrongLengthNoInfo,
	SW_ERR_SECURITY_STATUS_NOT_SAT: SecurityConditionNotSatisfied,
	SW_ERR_AUTH_METHOD_BLOCKED:     AuthenticationBlocked,
	SW_ERR_COND_OF_USE_NOT_SAT:     ConditionsNotSatisfied,
	SW_ERR_INCORRECT_PARAMS_DATA:   IncorrectData,
	SW_ERR_FILE_NOT_FOUND:          FileNotFound,
	SW_ERR_RECORD_NOT_FOUND:        RecordNotFound,
	SW_ERR_INCORRECT_PARAMS_P1P2:   IncorrectP1P2,
	SW_ERR_WRONG_P1P2:              IncorrectP1P2,
	SW_ERR_REF_DATA_NOT_FOUND:      ReferenceDataNotFound,
	SW_ERR_INS_INVALID:             InstructionNotSupported,
	SW_ERR_CLA_NOT_SUPPORTED:       ClassNotSupported,
}

// Classify maps a status word to its Outcome. It never fails.
func Classify(sw StatusWord) Outcome {
	sw2 := int(sw.SW2())

	switch sw.SW1() {
	case 0x61:
		if sw2 == 0 {
			sw2 = 256
		}
		return Outcome{Kind: MoreDataAvailable, Status: sw, Length: sw2}
	case 0x6C:
		if sw2 == 0 {
			sw2 = 256
		}
		return Outcome{Kind: WrongLength, Status: sw, Length: sw2}
	}

	if n, ok := sw.Counter(); ok {
		return Outcome{Kind: WarningCounter, Status: sw, Length: n}
	}

	if kind, ok := staticOutcomes[sw]; ok {
		return Outcome{Kind: kind, Status: sw}
	}
	return Outcome{Kind: Unrecognized, Status: sw}
}
