// Package mockgrill fakes a Pit Boss control board over HTTP: the same
// endpoints, the same cipher, a scriptable status. It backs `grilld serve
// --mock` and the wire-level tests.
package mockgrill

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/xeudoxus/pitboss-grill-driver/internal/codec"
)

// State describes the observable grill state the fake reports. Negative
// temperatures encode a disconnected probe.
type State struct {
	Celsius    bool
	GrillTemp  int
	SetTemp    int
	SmokerTemp int
	P1Target   int
	P1, P2     int
	P3, P4     int

	ModuleOn bool
	Motor    bool
	Hot      bool
	Fan      bool
	Light    bool
	Prime    bool

	// ErrorBytes are the raw sc_11 error flag bytes, in firmware order.
	ErrorBytes [9]byte

	RecipeStep                   byte
	RecipeHH, RecipeMM, RecipeSS byte
}

// Server is a scriptable fake grill.
type Server struct {
	mu       sync.Mutex
	password []byte
	uptime   int64
	state    State
	firmware string
	id       string

	rejectAuth bool
	commands   []string
}

// New returns a fake grill with the given plaintext password and device
// id.
func New(password, id string) *Server {
	return &Server{
		password: []byte(password),
		uptime:   4242,
		firmware: "0.6.2",
		id:       id,
		state: State{
			GrillTemp:  -1,
			SetTemp:    -1,
			SmokerTemp: -1,
			P1Target:   -1,
			P1:         -1, P2: -1, P3: -1, P4: -1,
		},
	}
}

// SetState replaces the reported status.
func (s *Server) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SetUptime fixes the uptime PB.GetTime reports.
func (s *Server) SetUptime(seconds int64) {
	s.mu.Lock()
	s.uptime = seconds
	s.mu.Unlock()
}

// AdvanceUptime moves the grill clock forward.
func (s *Server) AdvanceUptime(seconds int64) {
	s.mu.Lock()
	s.uptime += seconds
	s.mu.Unlock()
}

// SetRejectAuth forces every authenticated endpoint to fail, regardless
// of token validity.
func (s *Server) SetRejectAuth(reject bool) {
	s.mu.Lock()
	s.rejectAuth = reject
	s.mu.Unlock()
}

// Commands returns the raw hex commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Blobs renders the current state as the sc_11/sc_12 hex pair, exactly
// as PB.GetState would return it.
func (s *Server) Blobs() (sc11, sc12 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.blobs()
}

// Handler returns the fake's HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/extconfig.json", s.handleExtConfig)
	mux.HandleFunc("/rpc/PB.GetTime", s.handleGetTime)
	mux.HandleFunc("/rpc/PB.GetState", s.handleGetState)
	mux.HandleFunc("/rpc/PB.SendMCUCommand", s.handleSendCommand)
	mux.HandleFunc("/rpc/PB.GetFirmwareVersion", s.handleFirmware)
	mux.HandleFunc("/rpc/Sys.GetInfo", s.handleSysInfo)
	return mux
}

func (s *Server) handleExtConfig(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	enc := codec.Apply(s.password, codec.FileDecodeKey, 8, false)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"psw": codec.EncodeHex(enc), "ap": "PB-GRILL"})
}

func (s *Server) handleGetTime(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	uptime := s.uptime
	s.mu.Unlock()
	writeJSON(w, map[string]any{"time": uptime})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	s.mu.Lock()
	sc11, sc12 := s.state.blobs()
	s.mu.Unlock()
	writeJSON(w, map[string]any{"sc_11": sc11, "sc_12": sc12})
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Time    int64  `json:"time"`
		Psw     string `json:"psw"`
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !s.checkToken(payload.Psw) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	s.commands = append(s.commands, payload.Command)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleFirmware(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	fw := s.firmware
	s.mu.Unlock()
	writeJSON(w, map[string]any{"firmwareVersion": fw})
}

func (s *Server) handleSysInfo(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	id, fw := s.id, s.firmware
	s.mu.Unlock()
	writeJSON(w, map[string]any{"id": id, "app": "PitBoss", "fw": fw, "hw": "PBx"})
}

// authorize decodes the auth payload and validates the token.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	var payload struct {
		Time int64  `json:"time"`
		Psw  string `json:"psw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	if !s.checkToken(payload.Psw) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// checkToken decrypts the presented token under the keys of the current
// time bucket and its neighbours, exactly as the firmware tolerates
// client/board clock skew.
func (s *Server) checkToken(pswHex string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectAuth {
		return false
	}
	token := codec.DecodeHex(pswHex)
	bucket := codec.TimeBucket(s.uptime)
	for _, b := range []int64{bucket, bucket + 1, bucket - 1} {
		key := codec.DeriveKey(codec.RPCAuthKeyBase, b)
		if bytes.Equal(codec.Apply(token, key, 0, false), s.password) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// blobs renders the state as the sc_11/sc_12 hex pair.
func (st State) blobs() (sc11, sc12 string) {
	b12 := make([]byte, 27)
	putTriple(b12, 3, st.P1Target)
	putTriple(b12, 6, st.P1)
	putTriple(b12, 9, st.P2)
	putTriple(b12, 12, st.P3)
	putTriple(b12, 15, st.P4)
	putTriple(b12, 21, st.SetTemp)
	putTriple(b12, 24, st.GrillTemp)
	if st.Celsius {
		b12[26] = 2
	} else {
		b12[26] = 1
	}

	b11 := make([]byte, 44)
	putTriple(b11, 21, st.SmokerTemp)
	putBool(b11, 25, st.ModuleOn)
	for i, e := range st.ErrorBytes {
		b11[25+i] = e
	}
	putBool(b11, 35, st.Fan)
	putBool(b11, 36, st.Hot)
	putBool(b11, 37, st.Motor)
	putBool(b11, 38, st.Light)
	putBool(b11, 39, st.Prime)
	b11[40] = st.RecipeStep
	b11[41] = st.RecipeHH
	b11[42] = st.RecipeMM
	b11[43] = st.RecipeSS

	return codec.EncodeHex(b11), codec.EncodeHex(b12)
}

// putTriple writes the hundreds/tens/units triple at the 1-based offset.
// Negative values write the disconnected sentinel.
func putTriple(b []byte, offset, v int) {
	i := offset - 1
	if v < 0 {
		b[i], b[i+1], b[i+2] = 0, 9, 6
		return
	}
	b[i], b[i+1], b[i+2] = byte(v/100), byte(v/10%10), byte(v%10)
}

func putBool(b []byte, offset int, v bool) {
	if v {
		b[offset-1] = 1
	}
}
