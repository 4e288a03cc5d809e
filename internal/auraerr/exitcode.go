package auraerr

// Process exit codes (sysexits.h subset).
const (
	ExitOK          = 0
	ExitUsage       = 64
	ExitDataErr     = 65
	ExitIOErr       = 74
	ExitTempFail    = 75
	ExitNoPerm      = 77
	ExitUnavailable = 69
)

// ExitCode maps an error to the exit status a CLI caller should use.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindInvalid, KindChoreography:
		return ExitUsage
	case KindCorruption, KindProtocolViolation, KindByzantine:
		return ExitDataErr
	case KindStorage, KindNotFound:
		return ExitIOErr
	case KindNetwork, KindResourceExhausted:
		return ExitTempFail
	case KindAuthentication, KindAuthorization:
		return ExitNoPerm
	default:
		return ExitUnavailable
	}
}
