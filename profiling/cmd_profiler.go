package profiling

const (
	CmdTypeSync            = 0
	CmdTypePing            = 1
	CmdTypeFolderSync      = 2
	CmdTypeProvision       = 3
	CmdTypeItemOperations  = 4
	CmdTypeMoveItems       = 5
	CmdTypeMeetingResponse = 6
	CmdTypeOptions         = 7
	CmdTypeTotal           = 8
)

var cmdTypeNames = [CmdTypeTotal]string{
	CmdTypeSync:            "Sync",
	CmdTypePing:            "Ping",
	CmdTypeFolderSync:      "FolderSync",
	CmdTypeProvision:       "Provision",
	CmdTypeItemOperations:  "ItemOperations",
	CmdTypeMoveItems:       "MoveItems",
	CmdTypeMeetingResponse: "MeetingResponse",
	CmdTypeOptions:         "OPTIONS",
}

func CmdTypeToString(cmdType int) string {
	if cmdType < 0 || cmdType >= CmdTypeTotal {
		return "Unknown"
	}

	return cmdTypeNames[cmdType]
}

// CmdTypeFromName returns the command type of a protocol command name, or -1 if it is not profiled.
func CmdTypeFromName(name string) int {
	for cmdType, cmdName := range cmdTypeNames {
		if cmdName == name {
			return cmdType
		}
	}

	return -1
}

// CmdProfiler is the interface that can be used to perform measurements related to the execution
// scope of outgoing protocol commands.
type CmdProfiler interface {
	// Start will be called right before the command is sent.
	Start(cmdType int)
	// Stop will be called once the command has completed, failed or been aborted.
	Stop(cmdType int)
}

// CmdProfilerBuilder is the interface through which an instance of the CmdProfiler gets created. One of these will be
// created for each sync session.
type CmdProfilerBuilder interface {
	// New creates a new CmdProfiler instance.
	New() CmdProfiler

	// Collect will be called when the session has ended.
	Collect(profiler CmdProfiler)
}

// NullCmdProfiler represents a null implementation of CmdProfiler.
type NullCmdProfiler struct{}

func (*NullCmdProfiler) Start(int) {}

func (*NullCmdProfiler) Stop(int) {}

type NullCmdExecProfilerBuilder struct{}

func (*NullCmdExecProfilerBuilder) New() CmdProfiler {
	return &NullCmdProfiler{}
}

func (*NullCmdExecProfilerBuilder) Collect(CmdProfiler) {}
