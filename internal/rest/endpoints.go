package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/luciancaetano/screepsnet/internal/codec"
)

const (
	officialHistoryInterval = 100
	privateHistoryInterval  = 20
	privateShard            = "privSrv"
)

// Endpoint describes one server API call.
type Endpoint struct {
	Name   string
	Method string
	Path   string
	// Shard endpoints receive the default shard when the caller omits it.
	Shard bool
	// Sharded replies from private servers are reshaped into a "shards" map.
	Sharded bool
	// Compressed replies may carry "gz:" data.
	Compressed bool
}

var endpoints = []Endpoint{
	{Name: "version", Method: http.MethodGet, Path: "/api/version"},
	{Name: "authmod", Method: http.MethodGet, Path: "/api/authmod"},
	{Name: "serversList", Method: http.MethodPost, Path: "/api/servers/list"},

	{Name: "authSignin", Method: http.MethodPost, Path: "/api/auth/signin"},
	{Name: "authSteamTicket", Method: http.MethodPost, Path: "/api/auth/steam-ticket"},
	{Name: "authMe", Method: http.MethodGet, Path: "/api/auth/me"},
	{Name: "authQueryToken", Method: http.MethodGet, Path: "/api/auth/query-token"},

	{Name: "registerCheckEmail", Method: http.MethodGet, Path: "/api/register/check-email"},
	{Name: "registerCheckUsername", Method: http.MethodGet, Path: "/api/register/check-username"},
	{Name: "registerSetUsername", Method: http.MethodPost, Path: "/api/register/set-username"},
	{Name: "registerSubmit", Method: http.MethodPost, Path: "/api/register/submit"},

	{Name: "userMessagesList", Method: http.MethodGet, Path: "/api/user/messages/list"},
	{Name: "userMessagesIndex", Method: http.MethodGet, Path: "/api/user/messages/index"},
	{Name: "userMessagesUnreadCount", Method: http.MethodGet, Path: "/api/user/messages/unread-count"},
	{Name: "userMessagesSend", Method: http.MethodPost, Path: "/api/user/messages/send"},
	{Name: "userMessagesMarkRead", Method: http.MethodPost, Path: "/api/user/messages/mark-read"},

	{Name: "gameMapStats", Method: http.MethodPost, Path: "/api/game/map-stats", Shard: true},
	{Name: "gameGenUniqueObjectName", Method: http.MethodPost, Path: "/api/game/gen-unique-object-name", Shard: true},
	{Name: "gameCheckUniqueObjectName", Method: http.MethodPost, Path: "/api/game/check-unique-object-name", Shard: true},
	{Name: "gamePlaceSpawn", Method: http.MethodPost, Path: "/api/game/place-spawn", Shard: true},
	{Name: "gameCreateFlag", Method: http.MethodPost, Path: "/api/game/create-flag", Shard: true},
	{Name: "gameGenUniqueFlagName", Method: http.MethodPost, Path: "/api/game/gen-unique-flag-name", Shard: true},
	{Name: "gameCheckUniqueFlagName", Method: http.MethodPost, Path: "/api/game/check-unique-flag-name", Shard: true},
	{Name: "gameChangeFlagColor", Method: http.MethodPost, Path: "/api/game/change-flag-color", Shard: true},
	{Name: "gameRemoveFlag", Method: http.MethodPost, Path: "/api/game/remove-flag", Shard: true},
	{Name: "gameAddObjectIntent", Method: http.MethodPost, Path: "/api/game/add-object-intent", Shard: true},
	{Name: "gameCreateConstruction", Method: http.MethodPost, Path: "/api/game/create-construction", Shard: true},
	{Name: "gameSetNotifyWhenAttacked", Method: http.MethodPost, Path: "/api/game/set-notify-when-attacked", Shard: true},
	{Name: "gameCreateInvader", Method: http.MethodPost, Path: "/api/game/create-invader", Shard: true},
	{Name: "gameRemoveInvader", Method: http.MethodPost, Path: "/api/game/remove-invader", Shard: true},
	{Name: "gameTime", Method: http.MethodGet, Path: "/api/game/time", Shard: true},
	{Name: "gameWorldSize", Method: http.MethodGet, Path: "/api/game/world-size", Shard: true},
	{Name: "gameRoomDecorations", Method: http.MethodGet, Path: "/api/game/room-decorations", Shard: true},
	{Name: "gameRoomObjects", Method: http.MethodGet, Path: "/api/game/room-objects", Shard: true},
	{Name: "gameRoomTerrain", Method: http.MethodGet, Path: "/api/game/room-terrain", Shard: true},
	{Name: "gameRoomStatus", Method: http.MethodGet, Path: "/api/game/room-status", Shard: true},
	{Name: "gameRoomOverview", Method: http.MethodGet, Path: "/api/game/room-overview", Shard: true},
	{Name: "gameMarketOrdersIndex", Method: http.MethodGet, Path: "/api/game/market/orders-index", Shard: true},
	{Name: "gameMarketMyOrders", Method: http.MethodGet, Path: "/api/game/market/my-orders", Sharded: true},
	{Name: "gameMarketOrders", Method: http.MethodGet, Path: "/api/game/market/orders", Shard: true},
	{Name: "gameMarketStats", Method: http.MethodGet, Path: "/api/game/market/stats", Shard: true},
	{Name: "gameShardsInfo", Method: http.MethodGet, Path: "/api/game/shards/info"},

	{Name: "leaderboardList", Method: http.MethodGet, Path: "/api/leaderboard/list"},
	{Name: "leaderboardFind", Method: http.MethodGet, Path: "/api/leaderboard/find"},
	{Name: "leaderboardSeasons", Method: http.MethodGet, Path: "/api/leaderboard/seasons"},

	{Name: "userBadge", Method: http.MethodPost, Path: "/api/user/badge"},
	{Name: "userRespawn", Method: http.MethodPost, Path: "/api/user/respawn"},
	{Name: "userSetActiveBranch", Method: http.MethodPost, Path: "/api/user/set-active-branch"},
	{Name: "userCloneBranch", Method: http.MethodPost, Path: "/api/user/clone-branch"},
	{Name: "userDeleteBranch", Method: http.MethodPost, Path: "/api/user/delete-branch"},
	{Name: "userNotifyPrefs", Method: http.MethodPost, Path: "/api/user/notify-prefs"},
	{Name: "userTutorialDone", Method: http.MethodPost, Path: "/api/user/tutorial-done"},
	{Name: "userEmail", Method: http.MethodPost, Path: "/api/user/email"},
	{Name: "userWorldStartRoom", Method: http.MethodGet, Path: "/api/user/world-start-room", Shard: true},
	{Name: "userWorldStatus", Method: http.MethodGet, Path: "/api/user/world-status"},
	{Name: "userBranches", Method: http.MethodGet, Path: "/api/user/branches"},
	{Name: "userCodeGet", Method: http.MethodGet, Path: "/api/user/code"},
	{Name: "userCodePost", Method: http.MethodPost, Path: "/api/user/code"},
	{Name: "userDecorationsInventory", Method: http.MethodGet, Path: "/api/user/decorations/inventory"},
	{Name: "userDecorationsThemes", Method: http.MethodGet, Path: "/api/user/decorations/themes"},
	{Name: "userDecorationsConvert", Method: http.MethodPost, Path: "/api/user/decorations/convert"},
	{Name: "userDecorationsPixelize", Method: http.MethodPost, Path: "/api/user/decorations/pixelize"},
	{Name: "userDecorationsActivate", Method: http.MethodPost, Path: "/api/user/decorations/activate"},
	{Name: "userDecorationsDeactivate", Method: http.MethodPost, Path: "/api/user/decorations/deactivate"},
	{Name: "userRespawnProhibitedRooms", Method: http.MethodGet, Path: "/api/user/respawn-prohibited-rooms"},
	{Name: "userMemoryGet", Method: http.MethodGet, Path: "/api/user/memory", Shard: true, Compressed: true},
	{Name: "userMemoryPost", Method: http.MethodPost, Path: "/api/user/memory", Shard: true},
	{Name: "userMemorySegmentGet", Method: http.MethodGet, Path: "/api/user/memory-segment", Shard: true, Compressed: true},
	{Name: "userMemorySegmentPost", Method: http.MethodPost, Path: "/api/user/memory-segment", Shard: true},
	{Name: "userFind", Method: http.MethodGet, Path: "/api/user/find"},
	{Name: "userStats", Method: http.MethodGet, Path: "/api/user/stats"},
	{Name: "userRooms", Method: http.MethodGet, Path: "/api/user/rooms"},
	{Name: "userOverview", Method: http.MethodGet, Path: "/api/user/overview"},
	{Name: "userMoneyHistory", Method: http.MethodGet, Path: "/api/user/money-history"},
	{Name: "userConsole", Method: http.MethodPost, Path: "/api/user/console", Shard: true},
	{Name: "userName", Method: http.MethodGet, Path: "/api/user/name"},

	{Name: "experimentalPvp", Method: http.MethodGet, Path: "/api/experimental/pvp"},
	{Name: "experimentalNukes", Method: http.MethodGet, Path: "/api/experimental/nukes", Sharded: true},
	{Name: "warpathBattles", Method: http.MethodGet, Path: "/api/warpath/battles"},
	{Name: "scoreboardList", Method: http.MethodGet, Path: "/api/scoreboard/list"},
}

var endpointIndex = func() map[string]Endpoint {
	m := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		m[ep.Name] = ep
	}
	return m
}()

// Endpoints returns the known endpoints sorted by name.
func Endpoints() []Endpoint {
	out := append([]Endpoint(nil), endpoints...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupEndpoint returns the endpoint registered under name.
func LookupEndpoint(name string) (Endpoint, bool) {
	ep, ok := endpointIndex[name]
	return ep, ok
}

// Call invokes a named endpoint. Shard aware endpoints get the default shard,
// compressed memory data is inflated and private server lists are moved under
// the "privSrv" shard before decoding into out.
func (c *Client) Call(ctx context.Context, name string, params Params, out any) error {
	ep, ok := endpointIndex[name]
	if !ok {
		return fmt.Errorf("unknown endpoint %q", name)
	}
	if ep.Shard {
		params = c.withShard(params)
	}
	if !ep.Sharded && !ep.Compressed {
		return c.Do(ctx, ep.Method, ep.Path, params, out)
	}

	var body []byte
	if err := c.Do(ctx, ep.Method, ep.Path, params, &body); err != nil {
		return err
	}
	var err error
	if ep.Compressed {
		body, err = inflateData(body, ep.Name == "userMemoryGet")
	} else {
		body, err = mapToShard(body)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v = body
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", name, err)
	}
	return nil
}

func (c *Client) withShard(params Params) Params {
	out := make(Params, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if s, _ := out["shard"].(string); s == "" {
		out["shard"] = c.cfg.Shard
	}
	return out
}

// inflateData replaces a "gz:" data field with its decompressed content. Memory
// data holds JSON and is embedded as is; segment data stays a string.
func inflateData(body []byte, embed bool) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return body, nil
	}
	var data string
	if json.Unmarshal(m["data"], &data) != nil || !codec.IsCompressed(data) {
		return body, nil
	}

	text, err := codec.Inflate(data, codec.Gzip)
	if err != nil {
		return nil, err
	}
	if embed && json.Valid(text) {
		m["data"] = text
	} else {
		quoted, err := json.Marshal(string(text))
		if err != nil {
			return nil, err
		}
		m["data"] = quoted
	}
	return json.Marshal(m)
}

// mapToShard moves a private server's flat "list" (or "rooms") under
// shards.privSrv. Replies that already carry shards are returned unchanged.
func mapToShard(body []byte) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	if _, ok := m["shards"]; ok {
		return body, nil
	}

	list, ok := m["list"]
	if !ok || string(list) == "null" {
		list = m["rooms"]
	}
	if list == nil {
		list = json.RawMessage("null")
	}
	shards, err := json.Marshal(map[string]json.RawMessage{privateShard: list})
	if err != nil {
		return nil, err
	}
	m["shards"] = shards
	return json.Marshal(m)
}

// HistoryTick rounds tick down to the history chunk boundary of the server.
func (c *Client) HistoryTick(tick int64) int64 {
	interval := int64(privateHistoryInterval)
	if c.IsOfficialServer() {
		interval = officialHistoryInterval
	}
	return tick - tick%interval
}

// History returns the replay chunk of a room containing tick.
func (c *Client) History(ctx context.Context, room string, tick int64, shard string) (json.RawMessage, error) {
	if shard == "" {
		shard = c.cfg.Shard
	}
	tick = c.HistoryTick(tick)

	var body []byte
	var err error
	if c.IsOfficialServer() {
		err = c.Do(ctx, http.MethodGet, "/room-history/"+shard+"/"+room+"/"+strconv.FormatInt(tick, 10)+".json", nil, &body)
	} else {
		err = c.Do(ctx, http.MethodGet, "/room-history", Params{"room": room, "time": tick}, &body)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Version returns the server version and features.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var res VersionResponse
	if err := c.Call(ctx, "version", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Authmod identifies the auth mod of a private server. The official server
// reports "official" without a request.
func (c *Client) Authmod(ctx context.Context) (*AuthmodResponse, error) {
	if c.IsOfficialServer() {
		return &AuthmodResponse{Name: "official"}, nil
	}
	var res AuthmodResponse
	if err := c.Call(ctx, "authmod", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GameTime returns the current tick of a shard.
func (c *Client) GameTime(ctx context.Context, shard string) (int64, error) {
	var res GameTimeResponse
	if err := c.Call(ctx, "gameTime", Params{"shard": shard}, &res); err != nil {
		return 0, err
	}
	return res.Time, nil
}

// Console runs an expression in the user's console.
func (c *Client) Console(ctx context.Context, expression, shard string) (*ConsoleResponse, error) {
	var res ConsoleResponse
	if err := c.Call(ctx, "userConsole", Params{"expression": expression, "shard": shard}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Memory returns the value at a Memory path, inflated when compressed.
func (c *Client) Memory(ctx context.Context, path, shard string) (json.RawMessage, error) {
	var res MemoryResponse
	if err := c.Call(ctx, "userMemoryGet", Params{"path": path, "shard": shard}, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// SetMemory writes value at a Memory path.
func (c *Client) SetMemory(ctx context.Context, path string, value any, shard string) error {
	return c.Call(ctx, "userMemoryPost", Params{"path": path, "value": value, "shard": shard}, nil)
}

// MemorySegment returns the content of a memory segment.
func (c *Client) MemorySegment(ctx context.Context, segment int, shard string) (string, error) {
	var res MemorySegmentResponse
	if err := c.Call(ctx, "userMemorySegmentGet", Params{"segment": segment, "shard": shard}, &res); err != nil {
		return "", err
	}
	return res.Data, nil
}

// SetMemorySegment replaces the content of a memory segment.
func (c *Client) SetMemorySegment(ctx context.Context, segment int, data, shard string) error {
	return c.Call(ctx, "userMemorySegmentPost", Params{"segment": segment, "data": data, "shard": shard}, nil)
}

// MyOrders returns the user's market orders per shard.
func (c *Client) MyOrders(ctx context.Context) (*ShardedResponse, error) {
	var res ShardedResponse
	if err := c.Call(ctx, "gameMarketMyOrders", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Nukes returns launched nukes per shard.
func (c *Client) Nukes(ctx context.Context) (*ShardedResponse, error) {
	var res ShardedResponse
	if err := c.Call(ctx, "experimentalNukes", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ServersList returns the community server list.
func (c *Client) ServersList(ctx context.Context) (*ServersListResponse, error) {
	var res ServersListResponse
	if err := c.Call(ctx, "serversList", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
