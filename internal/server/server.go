// Package server implements the Connect control API for the schcd
// daemon.
//
// The API is schemaless on purpose: procedures exchange plain Go
// structs through an explicit JSON codec, so the daemon carries no
// generated stubs. schcctl is the intended client.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/lpwan-works/goschc/internal/rules"
	"github.com/lpwan-works/goschc/internal/schc"
)

// Procedure paths. Clients build their call URLs from these.
const (
	ServicePath = "/schc.v1.SCHCService/"

	ProcedureCompress        = ServicePath + "Compress"
	ProcedureDecompress      = ServicePath + "Decompress"
	ProcedureListDevices     = ServicePath + "ListDevices"
	ProcedureGetDevice       = ServicePath + "GetDevice"
	ProcedureListConnections = ServicePath + "ListConnections"
	ProcedureResetConnection = ServicePath + "ResetConnection"
	ProcedureGetStats        = ServicePath + "GetStats"
)

// -------------------------------------------------------------------------
// JSON codec
// -------------------------------------------------------------------------

// jsonCodec marshals request and response structs with encoding/json.
// It replaces connect's default protobuf codec on every handler and
// client this package builds.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal json message: %w", err)
	}
	return nil
}

// WithJSONCodec returns the codec option both the server handlers and
// schcctl's clients must use.
func WithJSONCodec() connect.Option {
	return connect.WithCodec(jsonCodec{})
}

// -------------------------------------------------------------------------
// Message types
// -------------------------------------------------------------------------

// CompressRequest runs a raw packet through a device's compression
// rules. Packet bytes travel as hex strings.
type CompressRequest struct {
	DeviceID uint32 `json:"device_id"`
	Packet   string `json:"packet"`
}

// CompressResponse carries the SCHC packet and which path was taken.
type CompressResponse struct {
	Frame   string `json:"frame"`
	Outcome string `json:"outcome"`
}

// DecompressRequest rebuilds the original packet from SCHC bytes.
type DecompressRequest struct {
	DeviceID uint32 `json:"device_id"`
	Frame    string `json:"frame"`
}

// DecompressResponse carries the reconstructed packet.
type DecompressResponse struct {
	Packet string `json:"packet"`
}

// ListDevicesRequest has no parameters.
type ListDevicesRequest struct{}

// ListDevicesResponse lists every registered device.
type ListDevicesResponse struct {
	Devices []DeviceView `json:"devices"`
}

// GetDeviceRequest names one device.
type GetDeviceRequest struct {
	DeviceID uint32 `json:"device_id"`
}

// GetDeviceResponse carries one device.
type GetDeviceResponse struct {
	Device DeviceView `json:"device"`
}

// DeviceView is the API projection of a registered device.
type DeviceView struct {
	DeviceID           uint32         `json:"device_id"`
	MTU                int            `json:"mtu"`
	DutyCycle          string         `json:"duty_cycle"`
	UncompressedRuleID uint32         `json:"uncompressed_rule_id"`
	CompressionRuleIDs []uint32       `json:"compression_rule_ids"`
	FragmentationRules []FragRuleView `json:"fragmentation_rules"`
}

// FragRuleView is the API projection of a fragmentation rule.
type FragRuleView struct {
	RuleID     uint32 `json:"rule_id"`
	Mode       string `json:"mode"`
	Direction  string `json:"direction"`
	FCNSize    uint8  `json:"fcn_size"`
	MaxWndFCN  uint8  `json:"max_wind_fcn"`
	WindowSize uint8  `json:"window_size"`
	DTagSize   uint8  `json:"dtag_size"`
}

// ListConnectionsRequest has no parameters.
type ListConnectionsRequest struct{}

// ListConnectionsResponse snapshots the in-flight transfers.
type ListConnectionsResponse struct {
	Connections []ConnectionView `json:"connections"`
}

// ConnectionView is the API projection of one in-flight transfer.
type ConnectionView struct {
	DeviceID  uint32 `json:"device_id"`
	RuleID    uint32 `json:"rule_id"`
	DTag      uint32 `json:"dtag"`
	Role      string `json:"role"`
	State     string `json:"state"`
	Window    int    `json:"window"`
	Fragments int    `json:"fragments"`
	Attempts  uint8  `json:"attempts"`
	Started   string `json:"started"`
}

// ResetConnectionRequest aborts the transfers matching a device and
// DTag.
type ResetConnectionRequest struct {
	DeviceID uint32 `json:"device_id"`
	DTag     uint32 `json:"dtag"`
}

// ResetConnectionResponse reports how many transfers were torn down.
type ResetConnectionResponse struct {
	Aborted int `json:"aborted"`
}

// GetStatsRequest has no parameters.
type GetStatsRequest struct{}

// GetStatsResponse mirrors the manager's transfer counters.
type GetStatsResponse struct {
	TxActive    int    `json:"tx_active"`
	RxActive    int    `json:"rx_active"`
	TxCompleted uint64 `json:"tx_completed"`
	TxFailed    uint64 `json:"tx_failed"`
	RxCompleted uint64 `json:"rx_completed"`
	RxFailed    uint64 `json:"rx_failed"`
	Dropped     uint64 `json:"dropped"`
}

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// SCHCServer exposes the engine and rule store over Connect.
//
// Each RPC is a thin adapter: decode, delegate to the Manager or the
// Store, project the result. No SCHC logic lives here.
type SCHCServer struct {
	logger *slog.Logger
	mgr    *schc.Manager
	store  *rules.Store
}

// New builds the server and returns the service path prefix and the
// HTTP handler serving all procedures.
func New(logger *slog.Logger, mgr *schc.Manager, store *rules.Store, opts ...connect.HandlerOption) (string, http.Handler) {
	srv := &SCHCServer{
		logger: logger,
		mgr:    mgr,
		store:  store,
	}

	handlerOpts := make([]connect.HandlerOption, 0, len(opts)+1)
	handlerOpts = append(handlerOpts, WithJSONCodec())
	handlerOpts = append(handlerOpts, opts...)

	mux := http.NewServeMux()
	mux.Handle(ProcedureCompress, connect.NewUnaryHandler(ProcedureCompress, srv.compress, handlerOpts...))
	mux.Handle(ProcedureDecompress, connect.NewUnaryHandler(ProcedureDecompress, srv.decompress, handlerOpts...))
	mux.Handle(ProcedureListDevices, connect.NewUnaryHandler(ProcedureListDevices, srv.listDevices, handlerOpts...))
	mux.Handle(ProcedureGetDevice, connect.NewUnaryHandler(ProcedureGetDevice, srv.getDevice, handlerOpts...))
	mux.Handle(ProcedureListConnections, connect.NewUnaryHandler(ProcedureListConnections, srv.listConnections, handlerOpts...))
	mux.Handle(ProcedureResetConnection, connect.NewUnaryHandler(ProcedureResetConnection, srv.resetConnection, handlerOpts...))
	mux.Handle(ProcedureGetStats, connect.NewUnaryHandler(ProcedureGetStats, srv.getStats, handlerOpts...))

	return ServicePath, mux
}

func (s *SCHCServer) compress(ctx context.Context, req *connect.Request[CompressRequest]) (*connect.Response[CompressResponse], error) {
	packet, err := hex.DecodeString(req.Msg.Packet)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("packet hex: %w", err))
	}

	frame, outcome, err := s.mgr.Compress(req.Msg.DeviceID, packet)
	if err != nil {
		return nil, rpcError(err)
	}

	s.logger.DebugContext(ctx, "Compress called",
		slog.Uint64("device_id", uint64(req.Msg.DeviceID)),
		slog.String("outcome", outcome.String()),
	)

	return connect.NewResponse(&CompressResponse{
		Frame:   hex.EncodeToString(frame),
		Outcome: outcome.String(),
	}), nil
}

func (s *SCHCServer) decompress(ctx context.Context, req *connect.Request[DecompressRequest]) (*connect.Response[DecompressResponse], error) {
	frame, err := hex.DecodeString(req.Msg.Frame)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("frame hex: %w", err))
	}

	packet, err := s.mgr.Decompress(req.Msg.DeviceID, frame)
	if err != nil {
		return nil, rpcError(err)
	}

	s.logger.DebugContext(ctx, "Decompress called",
		slog.Uint64("device_id", uint64(req.Msg.DeviceID)),
	)

	return connect.NewResponse(&DecompressResponse{
		Packet: hex.EncodeToString(packet),
	}), nil
}

func (s *SCHCServer) listDevices(_ context.Context, _ *connect.Request[ListDevicesRequest]) (*connect.Response[ListDevicesResponse], error) {
	devs := s.store.Devices()

	resp := &ListDevicesResponse{Devices: make([]DeviceView, 0, len(devs))}
	for _, dev := range devs {
		resp.Devices = append(resp.Devices, NewDeviceView(dev))
	}

	return connect.NewResponse(resp), nil
}

func (s *SCHCServer) getDevice(_ context.Context, req *connect.Request[GetDeviceRequest]) (*connect.Response[GetDeviceResponse], error) {
	dev, ok := s.store.Device(req.Msg.DeviceID)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound,
			fmt.Errorf("device %d: %w", req.Msg.DeviceID, rules.ErrUnknownDevice))
	}

	return connect.NewResponse(&GetDeviceResponse{Device: NewDeviceView(dev)}), nil
}

func (s *SCHCServer) listConnections(_ context.Context, _ *connect.Request[ListConnectionsRequest]) (*connect.Response[ListConnectionsResponse], error) {
	conns := s.mgr.Connections()

	resp := &ListConnectionsResponse{Connections: make([]ConnectionView, 0, len(conns))}
	for _, ci := range conns {
		resp.Connections = append(resp.Connections, ConnectionView{
			DeviceID:  ci.DeviceID,
			RuleID:    ci.RuleID,
			DTag:      ci.DTag,
			Role:      ci.Role.String(),
			State:     ci.State,
			Window:    ci.Window,
			Fragments: ci.Fragments,
			Attempts:  ci.Attempts,
			Started:   ci.Started.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}

	return connect.NewResponse(resp), nil
}

func (s *SCHCServer) resetConnection(ctx context.Context, req *connect.Request[ResetConnectionRequest]) (*connect.Response[ResetConnectionResponse], error) {
	aborted := s.mgr.ResetConnection(ctx, req.Msg.DeviceID, req.Msg.DTag)

	s.logger.InfoContext(ctx, "ResetConnection called",
		slog.Uint64("device_id", uint64(req.Msg.DeviceID)),
		slog.Uint64("dtag", uint64(req.Msg.DTag)),
		slog.Int("aborted", aborted),
	)

	return connect.NewResponse(&ResetConnectionResponse{Aborted: aborted}), nil
}

func (s *SCHCServer) getStats(_ context.Context, _ *connect.Request[GetStatsRequest]) (*connect.Response[GetStatsResponse], error) {
	st := s.mgr.Stats()

	return connect.NewResponse(&GetStatsResponse{
		TxActive:    st.TxActive,
		RxActive:    st.RxActive,
		TxCompleted: st.TxCompleted,
		TxFailed:    st.TxFailed,
		RxCompleted: st.RxCompleted,
		RxFailed:    st.RxFailed,
		Dropped:     st.Dropped,
	}), nil
}

// NewDeviceView projects a device for the API. schcctl reuses it to
// render rule sets offline.
func NewDeviceView(dev *rules.Device) DeviceView {
	view := DeviceView{
		DeviceID:           dev.DeviceID,
		MTU:                dev.MTU,
		DutyCycle:          dev.DutyCycle.String(),
		UncompressedRuleID: dev.UncompressedRuleID,
	}
	for _, cr := range dev.CompressionRules {
		view.CompressionRuleIDs = append(view.CompressionRuleIDs, cr.RuleID)
	}
	for _, fr := range dev.FragmentationRules {
		view.FragmentationRules = append(view.FragmentationRules, FragRuleView{
			RuleID:     fr.RuleID,
			Mode:       fr.Mode.String(),
			Direction:  fr.Direction.String(),
			FCNSize:    fr.FCNSize,
			MaxWndFCN:  fr.MaxWndFCN,
			WindowSize: fr.WindowSize,
			DTagSize:   fr.DTagSize,
		})
	}
	return view
}

// rpcError maps engine errors to Connect codes: unknown devices and
// rules are NotFound, everything else is the caller's input.
func rpcError(err error) *connect.Error {
	if errors.Is(err, rules.ErrUnknownDevice) || errors.Is(err, schc.ErrUnknownRuleID) {
		return connect.NewError(connect.CodeNotFound, err)
	}
	return connect.NewError(connect.CodeInvalidArgument, err)
}
