package schema

// The venue's enum keys and message names drifted apart in a few places
// across schema revisions. These tables patch over the known mismatches so
// callers can use either spelling.

var payloadKeyAliases = map[string]string{
	"PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_REQ": "PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_REQ",
	"PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_RES": "PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_RES",
	"PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_REQ":     "PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_REQ",
	"PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_RES":     "PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_RES",
	"PROTO_HEARTBEAT_EVENT":                         "HEARTBEAT_EVENT",
	"PROTO_ERROR_RES":                               "ERROR_RES",
}

var messageTypeAliases = map[string]string{
	"ProtoOAGetAccountsByAccessTokenReq":    "ProtoOAGetAccountListByAccessTokenReq",
	"ProtoOAGetAccountsByAccessTokenRes":    "ProtoOAGetAccountListByAccessTokenRes",
	"ProtoOAGetAccountListByAccessTokenReq": "ProtoOAGetAccountsByAccessTokenReq",
	"ProtoOAGetAccountListByAccessTokenRes": "ProtoOAGetAccountsByAccessTokenRes",
	"ProtoOATraderUpdateEvent":              "ProtoOATraderUpdatedEvent",
	"ProtoOATraderUpdatedEvent":             "ProtoOATraderUpdateEvent",
	"ProtoOAGetDynamicLeverageRes":          "ProtoOAGetDynamicLeverageByIDRes",
	"HeartbeatEvent":                        "ProtoHeartbeatEvent",
	"ErrorRes":                              "ProtoErrorRes",
}
