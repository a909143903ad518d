// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// Opcode identifies a packet type. Values below 128 travel from the
// worker to the manager; values from 128 travel from the manager to
// the worker. The values are protocol constants.
type Opcode uint8

// Worker → manager.
const (
	SendEvent           Opcode = 1
	RegisterPort        Opcode = 2
	UnregisterPort      Opcode = 3
	ConnectLink         Opcode = 4
	OpenLinkResult      Opcode = 5
	DisconnectLink      Opcode = 6
	SendMessageOverLink Opcode = 7
	RegisterProcess     Opcode = 8
	GetProcessList      Opcode = 9
	ConfigureLogs       Opcode = 10
	Log                 Opcode = 11
	Disconnect          Opcode = 12
	FlushLog            Opcode = 13
	SetSystemConfig     Opcode = 14
)

// Manager → worker.
const (
	Answer                Opcode = 128
	IncomingEvent         Opcode = 129
	RegisterPortResult    Opcode = 130
	OpenLink              Opcode = 131
	ConnectLinkResult     Opcode = 132
	LinkClosed            Opcode = 133
	IncomingMessage       Opcode = 134
	RegisterProcessResult Opcode = 135
	GetProcessListResult  Opcode = 136
	UnregisterPortResult  Opcode = 137
	ConfigureLogsResult   Opcode = 138
	FlushLogResult        Opcode = 139
	SystemConfig          Opcode = 140
)

// Kind is the type of one packet field.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindUint32
	KindUint64
	KindString
	KindBinary
)

func (kind Kind) String() string {
	switch kind {
	case KindBool:
		return "bool"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", uint8(kind))
	}
}

type schema struct {
	name   string
	fields []Kind
}

// schemas declares the field order of every opcode. Link and
// connection ids are uint32, message, request and process ids uint64.
var schemas = map[Opcode]schema{
	// name, payload
	SendEvent: {"SendEvent", []Kind{KindString, KindBinary}},
	// connid, msgid, port
	RegisterPort: {"RegisterPort", []Kind{KindUint32, KindUint64, KindString}},
	// connid, msgid, port
	UnregisterPort: {"UnregisterPort", []Kind{KindUint32, KindUint64, KindString}},
	// linkid, msgid, port
	ConnectLink: {"ConnectLink", []Kind{KindUint32, KindUint64, KindString}},
	// linkid, msgid, success
	OpenLinkResult: {"OpenLinkResult", []Kind{KindUint32, KindUint64, KindBool}},
	// linkid
	DisconnectLink: {"DisconnectLink", []Kind{KindUint32}},
	// linkid, msgid, replyto, lastpart, payload
	SendMessageOverLink: {"SendMessageOverLink", []Kind{KindUint32, KindUint64, KindUint64, KindBool, KindBinary}},
	// processcode, displayname
	RegisterProcess: {"RegisterProcess", []Kind{KindUint64, KindString}},
	// connid, msgid
	GetProcessList: {"GetProcessList", []Kind{KindUint32, KindUint64}},
	// requestid, CBOR list of log configurations
	ConfigureLogs: {"ConfigureLogs", []Kind{KindUint64, KindBinary}},
	// log name, line
	Log:        {"Log", []Kind{KindString, KindString}},
	Disconnect: {"Disconnect", nil},
	// requestid, log name
	FlushLog: {"FlushLog", []Kind{KindUint64, KindString}},
	// configuration
	SetSystemConfig: {"SetSystemConfig", []Kind{KindBinary}},

	Answer: {"Answer", nil},
	// name, payload
	IncomingEvent: {"IncomingEvent", []Kind{KindString, KindBinary}},
	// connid, msgid, port, success
	RegisterPortResult: {"RegisterPortResult", []Kind{KindUint32, KindUint64, KindString, KindBool}},
	// linkid, msgid, port
	OpenLink: {"OpenLink", []Kind{KindUint32, KindUint64, KindString}},
	// linkid, msgid, success
	ConnectLinkResult: {"ConnectLinkResult", []Kind{KindUint32, KindUint64, KindBool}},
	// linkid
	LinkClosed: {"LinkClosed", []Kind{KindUint32}},
	// linkid, msgid, replyto, lastpart, payload
	IncomingMessage: {"IncomingMessage", []Kind{KindUint32, KindUint64, KindUint64, KindBool, KindBinary}},
	// processcode, have_debugger, systemconfig
	RegisterProcessResult: {"RegisterProcessResult", []Kind{KindUint64, KindBool, KindBinary}},
	// CBOR process list
	GetProcessListResult: {"GetProcessListResult", []Kind{KindBinary}},
	// connid, msgid, port, success
	UnregisterPortResult: {"UnregisterPortResult", []Kind{KindUint32, KindUint64, KindString, KindBool}},
	// requestid, CBOR list of per-log results
	ConfigureLogsResult: {"ConfigureLogsResult", []Kind{KindUint64, KindBinary}},
	// requestid, success
	FlushLogResult: {"FlushLogResult", []Kind{KindUint64, KindBool}},
	// configuration
	SystemConfig: {"SystemConfig", []Kind{KindBinary}},
}

func (op Opcode) String() string {
	if s, ok := schemas[op]; ok {
		return s.name
	}
	return fmt.Sprintf("opcode(%d)", uint8(op))
}

// Known reports whether op has a schema.
func (op Opcode) Known() bool {
	_, ok := schemas[op]
	return ok
}

// Inbound reports whether op is a manager → worker opcode.
func (op Opcode) Inbound() bool {
	return op >= 128
}

// Fields returns the declared field kinds of op, or nil for an unknown
// opcode.
func (op Opcode) Fields() []Kind {
	return schemas[op].fields
}
