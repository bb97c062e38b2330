package rest

import "encoding/json"

// User is the account returned by /api/auth/me and /api/user/find.
type User struct {
	ID       string          `json:"_id"`
	Username string          `json:"username"`
	Email    string          `json:"email,omitempty"`
	Badge    json.RawMessage `json:"badge,omitempty"`
	GCL      float64         `json:"gcl"`
	Power    float64         `json:"power"`
	CPU      float64         `json:"cpu"`
	Money    float64         `json:"money"`
	Credits  float64         `json:"credits"`
}

// TokenInfo describes an auth token.
type TokenInfo struct {
	Full           bool            `json:"full"`
	Endpoints      map[string]bool `json:"endpoints,omitempty"`
	Websockets     map[string]bool `json:"websockets,omitempty"`
	MemorySegments string          `json:"memorySegments,omitempty"`
}

// Response is the common envelope of every reply.
type Response struct {
	Ok    int    `json:"ok"`
	Error string `json:"error,omitempty"`
}

type SigninResponse struct {
	Response
	Token string `json:"token"`
}

type QueryTokenResponse struct {
	Response
	Token TokenInfo `json:"token"`
}

type UserNameResponse struct {
	Response
	Username string `json:"username"`
}

type UserFindResponse struct {
	Response
	User User `json:"user"`
}

// VersionResponse is the reply of /api/version.
type VersionResponse struct {
	Response
	Package    int `json:"package"`
	Protocol   int `json:"protocol"`
	Users      int `json:"users"`
	ServerData struct {
		HistoryChunkSize  int                        `json:"historyChunkSize"`
		Shards            []string                   `json:"shards,omitempty"`
		CustomObjectTypes map[string]json.RawMessage `json:"customObjectTypes,omitempty"`
		Features          []json.RawMessage          `json:"features,omitempty"`
	} `json:"serverData"`
}

type AuthmodResponse struct {
	Response
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type GameTimeResponse struct {
	Response
	Time int64 `json:"time"`
}

type ConsoleResponse struct {
	Response
	Result json.RawMessage `json:"result,omitempty"`
}

type MemoryResponse struct {
	Response
	Data json.RawMessage `json:"data"`
}

type MemorySegmentResponse struct {
	Response
	Data string `json:"data"`
}

type RoomTerrainResponse struct {
	Response
	Terrain []struct {
		Room    string `json:"room"`
		X       int    `json:"x,omitempty"`
		Y       int    `json:"y,omitempty"`
		Type    string `json:"type,omitempty"`
		Terrain string `json:"terrain,omitempty"`
	} `json:"terrain"`
}

type ServersListResponse struct {
	Response
	Servers []struct {
		ID       string `json:"_id"`
		Name     string `json:"name"`
		Status   string `json:"status"`
		Settings struct {
			Host string `json:"host"`
			Port string `json:"port"`
		} `json:"settings"`
		LikeCount int `json:"likeCount"`
	} `json:"servers"`
}

// ShardedResponse carries per shard lists. Private servers reply with a flat
// list, which is moved under the "privSrv" shard.
type ShardedResponse struct {
	Response
	Shards map[string]json.RawMessage `json:"shards"`
}
