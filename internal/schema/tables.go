package schema

// Command ids. Values are shared with every other agent on the network.
const (
	CommandResultID                = 0
	AgentStatusID                  = 1
	GetStatusID                    = 8
	AuthorizeResultID              = 13
	AuthorizeID                    = 19
	ServerErrorID                  = 20
	IntentStateID                  = 36
	RemoveIntentID                 = 37
	SetIntentActiveID              = 38
	ShutdownAgentID                = 43
	SetAdminSecretID               = 61
	CameraServerStatusID           = 69
	CreateTimelapseCaptureIntentID = 70
	TimelapseCaptureIntentStateID  = 71
	StopCaptureID                  = 72
	GetCaptureImageID              = 73
	FindCaptureImagesID            = 74
	FindCaptureImagesResultID      = 75
	ClearTimelapseID               = 76
	WatchStatusID                  = 82
	RebootID                       = 113
)

// Constants shared by the invocation transport.
const (
	UrlQueryParameter    = "c"
	DefaultTcpPort1      = 63738
	DefaultTcpPort2      = 63739
	DefaultUdpPort       = 63738
	DefaultInvokePath    = "/"
	DefaultAuthorizePath = "/C18HZb3wsXQoMQN6Laz8S5Lq"
	DefaultLinkPath      = "/link"
	PrefixTypeName       = "CommandPrefix"
)

// Image profile and flip enum values for camera commands.
const (
	ImageProfileDefault = 0
	ImageProfileHigh    = 1
	ImageProfileLow     = 2
	ImageProfileLowest  = 3

	FlipNone       = 0
	FlipHorizontal = 1
	FlipVertical   = 2
	FlipBoth       = 3
)

var (
	imageProfiles = []any{float64(ImageProfileDefault), float64(ImageProfileHigh), float64(ImageProfileLow), float64(ImageProfileLowest)}
	flips         = []any{float64(FlipNone), float64(FlipHorizontal), float64(FlipVertical), float64(FlipBoth)}
)

func builtinCommands() []CommandType {
	return []CommandType{
		{ID: CommandResultID, Name: "CommandResult", ParamType: "CommandResult"},
		{ID: AgentStatusID, Name: "AgentStatus", ParamType: "AgentStatus"},
		{ID: GetStatusID, Name: "GetStatus", ParamType: "EmptyObject"},
		{ID: AuthorizeResultID, Name: "AuthorizeResult", ParamType: "AuthorizeResult"},
		{ID: AuthorizeID, Name: "Authorize", ParamType: "Authorize"},
		{ID: ServerErrorID, Name: "ServerError", ParamType: "ServerError"},
		{ID: IntentStateID, Name: "IntentState", ParamType: "IntentState"},
		{ID: RemoveIntentID, Name: "RemoveIntent", ParamType: "RemoveIntent"},
		{ID: SetIntentActiveID, Name: "SetIntentActive", ParamType: "SetIntentActive"},
		{ID: ShutdownAgentID, Name: "ShutdownAgent", ParamType: "EmptyObject"},
		{ID: SetAdminSecretID, Name: "SetAdminSecret", ParamType: "SetAdminSecret"},
		{ID: CameraServerStatusID, Name: "CameraServerStatus", ParamType: "CameraServerStatus"},
		{ID: CreateTimelapseCaptureIntentID, Name: "CreateTimelapseCaptureIntent", ParamType: "CreateTimelapseCaptureIntent"},
		{ID: TimelapseCaptureIntentStateID, Name: "TimelapseCaptureIntentState", ParamType: "TimelapseCaptureIntentState"},
		{ID: StopCaptureID, Name: "StopCapture", ParamType: "EmptyObject"},
		{ID: GetCaptureImageID, Name: "GetCaptureImage", ParamType: "GetCaptureImage"},
		{ID: FindCaptureImagesID, Name: "FindCaptureImages", ParamType: "FindCaptureImages"},
		{ID: FindCaptureImagesResultID, Name: "FindCaptureImagesResult", ParamType: "FindCaptureImagesResult"},
		{ID: ClearTimelapseID, Name: "ClearTimelapse", ParamType: "EmptyObject"},
		{ID: WatchStatusID, Name: "WatchStatus", ParamType: "EmptyObject"},
		{ID: RebootID, Name: "Reboot", ParamType: "EmptyObject"},
	}
}

func port(name string) Param {
	return Param{Name: name, Kind: KindNumber, Flags: Required | RangedNumber, RangeMin: 0, RangeMax: 65535, Hash: true}
}

// prefixType describes the invocation prefix. Every registry carries it.
func prefixType() Type {
	return Type{Name: PrefixTypeName, Params: []Param{
		{Name: "a", Kind: KindNumber, Flags: ZeroOrGreater, Hash: true},
		{Name: "b", Kind: KindString, Flags: Uuid, Hash: true},
		{Name: "c", Kind: KindString, Flags: Uuid, Hash: true},
		{Name: "d", Kind: KindNumber, Flags: RangedNumber, RangeMin: 0, RangeMax: 100, Hash: true},
		{Name: "e", Kind: KindNumber, Flags: ZeroOrGreater, Hash: true},
		{Name: "f", Kind: KindNumber, Flags: ZeroOrGreater, Hash: true},
		{Name: "g", Kind: KindString},
		{Name: "h", Kind: KindString},
	}}
}

func builtinTypes() []Type {
	return []Type{
		{Name: "EmptyObject"},
		prefixType(),
		{Name: "CommandResult", Params: []Param{
			{Name: "success", Kind: KindBoolean, Flags: Required, Hash: true},
			{Name: "error", Kind: KindString, Hash: true},
			{Name: "itemId", Kind: KindString, Flags: Uuid, Hash: true},
			{Name: "stringResult", Kind: KindString, Hash: true},
		}},
		{Name: "ServerError", Params: []Param{
			{Name: "error", Kind: KindString, Flags: Required, Hash: true},
		}},
		{Name: "Authorize", Params: []Param{
			{Name: "token", Kind: KindString, Flags: Required | NotEmpty, Hash: true},
		}},
		{Name: "AuthorizeResult", Params: []Param{
			{Name: "token", Kind: KindString, Flags: Required | NotEmpty, Hash: true},
		}},
		{Name: "SetAdminSecret", Params: []Param{
			{Name: "secret", Kind: KindString, Flags: Required | NotEmpty, Hash: true},
		}},
		{Name: "AgentStatus", Params: []Param{
			{Name: "id", Kind: KindString, Flags: Required | Uuid, Hash: true},
			{Name: "displayName", Kind: KindString, Flags: Required | NotEmpty, Hash: true},
			{Name: "applicationName", Kind: KindString, Flags: Required | NotEmpty, Hash: true},
			{Name: "urlHostname", Kind: KindString, Flags: Required | Hostname, Hash: true},
			port("tcpPort1"),
			port("tcpPort2"),
			port("udpPort"),
			{Name: "linkPath", Kind: KindString, Hash: true},
			{Name: "uptime", Kind: KindString, Hash: true},
			{Name: "version", Kind: KindString, Flags: Required, Hash: true},
			{Name: "platform", Kind: KindString, Hash: true},
			{Name: "isEnabled", Kind: KindBoolean, Flags: Required, Hash: true},
			{Name: "taskCount", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
			{Name: "runCount", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
			{Name: "maxRunCount", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
			{Name: "runTaskName", Kind: KindString, Hash: true},
			{Name: "activeIntentCount", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0)},
			{Name: "cameraServerStatus", Kind: "CameraServerStatus", Hash: true},
		}},
		{Name: "CameraSensor", Params: []Param{
			{Name: "isCapturing", Kind: KindBoolean, Flags: Required, Hash: true},
			{Name: "capturePeriod", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
			{Name: "imageProfile", Kind: KindNumber, Flags: EnumValue, Enum: imageProfiles, Default: float64(ImageProfileDefault)},
			{Name: "flip", Kind: KindNumber, Flags: EnumValue, Enum: flips, Default: float64(FlipNone)},
			{Name: "minCaptureTime", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
			{Name: "lastCaptureTime", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
			{Name: "lastCaptureWidth", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0)},
			{Name: "lastCaptureHeight", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0)},
		}},
		{Name: "CameraServerStatus", Params: []Param{
			{Name: "isReady", Kind: KindBoolean, Flags: Required, Hash: true},
			{Name: "freeStorage", Kind: KindNumber, Flags: Required | ZeroOrGreater, Hash: true},
			{Name: "totalStorage", Kind: KindNumber, Flags: Required | ZeroOrGreater, Hash: true},
			{Name: "captureImagePath", Kind: KindString},
			{Name: "sensors", Kind: KindArray, Container: "CameraSensor", Default: []any{}, Hash: true},
		}},
		{Name: "CreateTimelapseCaptureIntent", Params: []Param{
			{Name: "sensor", Kind: KindNumber, Flags: Required | ZeroOrGreater, Hash: true},
			{Name: "capturePeriod", Kind: KindNumber, Flags: GreaterThanZero, Default: float64(900), Hash: true},
			{Name: "imageProfile", Kind: KindNumber, Flags: EnumValue, Enum: imageProfiles, Default: float64(ImageProfileDefault), Hash: true},
			{Name: "flip", Kind: KindNumber, Flags: EnumValue, Enum: flips, Default: float64(FlipNone), Hash: true},
		}},
		{Name: "TimelapseCaptureIntentState", Params: []Param{
			{Name: "sensor", Kind: KindNumber, Flags: Required | ZeroOrGreater, Hash: true},
			{Name: "capturePeriod", Kind: KindNumber, Flags: GreaterThanZero, Default: float64(900), Hash: true},
			{Name: "imageProfile", Kind: KindNumber, Flags: EnumValue, Enum: imageProfiles, Default: float64(ImageProfileDefault), Hash: true},
			{Name: "flip", Kind: KindNumber, Flags: EnumValue, Enum: flips, Default: float64(FlipNone), Hash: true},
			{Name: "nextCaptureTime", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
		}},
		{Name: "GetCaptureImage", Params: []Param{
			{Name: "imageTime", Kind: KindNumber, Flags: Required | ZeroOrGreater, Hash: true},
			{Name: "sensor", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
		}},
		{Name: "FindCaptureImages", Params: []Param{
			{Name: "sensor", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
			{Name: "minTime", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
			{Name: "maxTime", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
			{Name: "maxResults", Kind: KindNumber, Flags: ZeroOrGreater, Default: float64(0), Hash: true},
			{Name: "isDescending", Kind: KindBoolean, Default: false, Hash: true},
		}},
		{Name: "FindCaptureImagesResult", Params: []Param{
			{Name: "captureTimes", Kind: KindArray, Container: KindNumber, Flags: Required | ZeroOrGreater, Hash: true},
		}},
		{Name: "IntentCondition", Params: []Param{
			{Name: "name", Kind: KindString, Flags: Required | NotEmpty, Hash: true},
			{Name: "priority", Kind: KindNumber, Flags: Required | ZeroOrGreater, Hash: true},
		}},
		{Name: "IntentState", Params: []Param{
			{Name: "id", Kind: KindString, Flags: Required | Uuid, Hash: true},
			{Name: "name", Kind: KindString, Flags: Required | NotEmpty, Hash: true},
			{Name: "groupName", Kind: KindString, Default: "", Hash: true},
			{Name: "displayName", Kind: KindString, Default: "", Hash: true},
			{Name: "isActive", Kind: KindBoolean, Flags: Required, Hash: true},
			{Name: "conditions", Kind: KindArray, Container: "IntentCondition", Default: []any{}, Hash: true},
			{Name: "state", Kind: KindObject, Flags: Required},
		}},
		{Name: "RemoveIntent", Params: []Param{
			{Name: "id", Kind: KindString, Flags: Required | Uuid, Hash: true},
		}},
		{Name: "SetIntentActive", Params: []Param{
			{Name: "id", Kind: KindString, Flags: Required | Uuid, Hash: true},
			{Name: "isActive", Kind: KindBoolean, Flags: Required, Hash: true},
		}},
	}
}
