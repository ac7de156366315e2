package txnlog

import (
	"fmt"
	"strconv"
)

// OpType is the operation code stored in every transaction header.
type OpType int32

const (
	OpSessionClose  OpType = -11
	OpSessionCreate OpType = -10
	OpError         OpType = -1
	OpNotification  OpType = 0
	OpCreate        OpType = 1
	OpDelete        OpType = 2
	OpExists        OpType = 3
	OpGetData       OpType = 4
	OpSetData       OpType = 5
	OpGetACL        OpType = 6
	OpSetACL        OpType = 7
	OpGetChildren   OpType = 8
	OpSync          OpType = 9
	OpPing          OpType = 11
	OpGetChildren2  OpType = 12
	OpCheck         OpType = 13
	OpMulti         OpType = 14
	OpAuth          OpType = 100
	OpSetWatches    OpType = 101
	OpSASL          OpType = 102
)

// opNames and errorNames are read-only lookup tables; the reverse tables are
// derived from them once in init.
var opNames = map[OpType]string{
	OpSessionClose:  "sessionclose",
	OpSessionCreate: "sessioncreate",
	OpError:         "error",
	OpNotification:  "notification",
	OpCreate:        "create",
	OpDelete:        "delete",
	OpExists:        "exists",
	OpGetData:       "getdata",
	OpSetData:       "setdata",
	OpGetACL:        "getacl",
	OpSetACL:        "setacl",
	OpGetChildren:   "getchildren",
	OpSync:          "sync",
	OpPing:          "ping",
	OpGetChildren2:  "getchildren2",
	OpCheck:         "check",
	OpMulti:         "multi",
	OpAuth:          "auth",
	OpSetWatches:    "setwatches",
	OpSASL:          "sasl",
}

// ErrorCode is the closed set of ensemble error kinds an Error transaction
// can carry.
type ErrorCode int32

const (
	ErrCodeOk                      ErrorCode = 0
	ErrCodeSystemError             ErrorCode = -1
	ErrCodeRuntimeInconsistency    ErrorCode = -2
	ErrCodeDataInconsistency       ErrorCode = -3
	ErrCodeConnectionLoss          ErrorCode = -4
	ErrCodeMarshallingError        ErrorCode = -5
	ErrCodeUnimplemented           ErrorCode = -6
	ErrCodeOperationTimeout        ErrorCode = -7
	ErrCodeBadArguments            ErrorCode = -8
	ErrCodeAPIError                ErrorCode = -100
	ErrCodeNoNode                  ErrorCode = -101
	ErrCodeNoAuth                  ErrorCode = -102
	ErrCodeBadVersion              ErrorCode = -103
	ErrCodeNoChildrenForEphemerals ErrorCode = -108
	ErrCodeNodeExists              ErrorCode = -110
	ErrCodeNotEmpty                ErrorCode = -111
	ErrCodeSessionExpired          ErrorCode = -112
	ErrCodeInvalidCallback         ErrorCode = -113
	ErrCodeInvalidACL              ErrorCode = -114
	ErrCodeAuthFailed              ErrorCode = -115
	ErrCodeSessionMoved            ErrorCode = -118
)

var errorNames = map[ErrorCode]string{
	ErrCodeOk:                      "ok",
	ErrCodeSystemError:             "systemerror",
	ErrCodeRuntimeInconsistency:    "runtimeinconsistency",
	ErrCodeDataInconsistency:       "datainconsistency",
	ErrCodeConnectionLoss:          "connectionloss",
	ErrCodeMarshallingError:        "marshallingerror",
	ErrCodeUnimplemented:           "unimplemented",
	ErrCodeOperationTimeout:        "operationtimeout",
	ErrCodeBadArguments:            "badarguments",
	ErrCodeAPIError:                "apierror",
	ErrCodeNoNode:                  "nonode",
	ErrCodeNoAuth:                  "noauth",
	ErrCodeBadVersion:              "badversion",
	ErrCodeNoChildrenForEphemerals: "nochildrenforephemerals",
	ErrCodeNodeExists:              "nodeexists",
	ErrCodeNotEmpty:                "notempty",
	ErrCodeSessionExpired:          "sessionexpired",
	ErrCodeInvalidCallback:         "invalidcallback",
	ErrCodeInvalidACL:              "invalidacl",
	ErrCodeAuthFailed:              "authfailed",
	ErrCodeSessionMoved:            "sessionmoved",
}

var (
	opsByName    map[string]OpType
	errorsByName map[string]ErrorCode
)

func init() {
	opsByName = make(map[string]OpType, len(opNames))
	for op, name := range opNames {
		opsByName[name] = op
	}
	errorsByName = make(map[string]ErrorCode, len(errorNames))
	for code, name := range errorNames {
		errorsByName[name] = code
	}
}

func (op OpType) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(op)) + ")"
}

// ParseOpType maps an operation name back to its code.
func ParseOpType(name string) (OpType, error) {
	op, ok := opsByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown operation name %q", name)
	}
	return op, nil
}

// Known reports whether the code belongs to the enumeration.
func (c ErrorCode) Known() bool {
	_, ok := errorNames[c]
	return ok
}

func (c ErrorCode) String() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(c)) + ")"
}

// ParseErrorCode maps an error name back to its code.
func ParseErrorCode(name string) (ErrorCode, error) {
	code, ok := errorsByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown error name %q", name)
	}
	return code, nil
}
