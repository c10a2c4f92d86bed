package entityid

// Core game-facing kinds.
const (
	KindPlayer   Kind = 1
	KindSession  Kind = 2
	KindGuild    Kind = 3
	KindDivision Kind = 4
	KindMatch    Kind = 5
)

// Cloud service kinds hosted by the runtime itself.
const (
	KindConnection                Kind = 10
	KindGlobalStateManager        Kind = 11
	KindGlobalStateProxy          Kind = 12
	KindPushNotifier              Kind = 13
	KindInAppValidator            Kind = 14
	KindAdminAPI                  Kind = 15
	KindDiagnosticTool            Kind = 16
	KindDatabaseScanCoordinator   Kind = 17
	KindDatabaseScanWorker        Kind = 18
	KindGuildRecommender          Kind = 19
	KindGuildSearch               Kind = 20
	KindBackgroundTask            Kind = 21
	KindSegmentSizeEstimator      Kind = 22
	KindStatsCollectorManager     Kind = 23
	KindStatsCollectorProxy       Kind = 24
	KindWebSocketConnection       Kind = 25
	KindNftManager                Kind = 26
	KindLeagueManager             Kind = 27
	KindUDPPassthrough            Kind = 28
	KindLoadTracker               Kind = 29
	KindAutoScaling               Kind = 64
	KindKeyManager                Kind = 65
	KindTelemetryManager          Kind = 66
	KindPlayerIncidentPullService Kind = 67
	KindLiveOpsTimelineManager    Kind = 68
	KindLiveOpsTimelineProxy      Kind = 69
)

// CoreKinds declares the game-facing kinds in [1, 10).
var CoreKinds = KindSet{
	Name:   "core",
	Ranges: []KindRange{{Start: 1, End: 10}},
	Kinds: []KindDef{
		{Name: "Player", Value: KindPlayer},
		{Name: "Session", Value: KindSession},
		{Name: "Guild", Value: KindGuild},
		{Name: "Division", Value: KindDivision},
		{Name: "Match", Value: KindMatch},
	},
}

// CloudCoreKinds declares the runtime service kinds in [10, 30) and [64, 100).
var CloudCoreKinds = KindSet{
	Name:   "cloud-core",
	Ranges: []KindRange{{Start: 10, End: 30}, {Start: 64, End: 100}},
	Kinds: []KindDef{
		{Name: "Connection", Value: KindConnection},
		{Name: "GlobalStateManager", Value: KindGlobalStateManager},
		{Name: "GlobalStateProxy", Value: KindGlobalStateProxy},
		{Name: "PushNotifier", Value: KindPushNotifier},
		{Name: "InAppValidator", Value: KindInAppValidator},
		{Name: "AdminApi", Value: KindAdminAPI},
		{Name: "DiagnosticTool", Value: KindDiagnosticTool},
		{Name: "DatabaseScanCoordinator", Value: KindDatabaseScanCoordinator},
		{Name: "DatabaseScanWorker", Value: KindDatabaseScanWorker},
		{Name: "GuildRecommender", Value: KindGuildRecommender},
		{Name: "GuildSearch", Value: KindGuildSearch},
		{Name: "BackgroundTask", Value: KindBackgroundTask},
		{Name: "SegmentSizeEstimator", Value: KindSegmentSizeEstimator},
		{Name: "StatsCollectorManager", Value: KindStatsCollectorManager},
		{Name: "StatsCollectorProxy", Value: KindStatsCollectorProxy},
		{Name: "WebSocketConnection", Value: KindWebSocketConnection},
		{Name: "NftManager", Value: KindNftManager},
		{Name: "LeagueManager", Value: KindLeagueManager},
		{Name: "UdpPassthrough", Value: KindUDPPassthrough},
		{Name: "LoadTracker", Value: KindLoadTracker},
		{Name: "AutoScaling", Value: KindAutoScaling},
		{Name: "KeyManager", Value: KindKeyManager},
		{Name: "TelemetryManager", Value: KindTelemetryManager},
		{Name: "PlayerIncidentPullService", Value: KindPlayerIncidentPullService},
		{Name: "LiveOpsTimelineManager", Value: KindLiveOpsTimelineManager},
		{Name: "LiveOpsTimelineProxy", Value: KindLiveOpsTimelineProxy},
	},
}

// NewDefaultRegistry builds a registry holding [CoreKinds], [CloudCoreKinds]
// and any extra sets, typically a game's own kinds in a free range.
func NewDefaultRegistry(extra ...KindSet) (*KindRegistry, error) {
	return NewBuilder().Add(CoreKinds, CloudCoreKinds).Add(extra...).Build()
}
