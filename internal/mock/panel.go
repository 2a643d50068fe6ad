package mock

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/go_func_utils"
)

// DefaultAppAddress names the simulated fitness app
const DefaultAppAddress = "AA:BB:CC:DD:EE:01"

// AppState is the simulated fitness app side of the panel
type AppState struct {
	Connected     int    `json:"connected"`
	Advertising   bool   `json:"advertising"`
	TreadmillData string `json:"treadmillData"`
	DataPackets   int    `json:"dataPackets"`
}

type panelState struct {
	Treadmill TreadmillState `json:"treadmill"`
	App       AppState       `json:"app"`
}

// Panel is a small web UI driving the simulated treadmill and app
type Panel struct {
	logger     *log.Logger
	treadmill  *Treadmill
	peripheral *Peripheral
	router     chi.Router
}

func NewPanel(treadmill *Treadmill, peripheral *Peripheral, logger *log.Logger) *Panel {
	if logger == nil {
		panic("MockPanel: logger cannot be nil")
	}
	p := &Panel{
		logger:     logger,
		treadmill:  treadmill,
		peripheral: peripheral,
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", p.handleIndex)
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", p.handleState)
		r.Get("/writes", p.handleWrites)
		r.Post("/set", p.handleSet)
		r.Post("/power", p.handlePower)
		r.Post("/app/connect", p.handleAppConnect)
		r.Post("/app/disconnect", p.handleAppDisconnect)
		r.Post("/app/control", p.handleAppControl)
	})
	p.router = r
	return p
}

func (p *Panel) Handler() http.Handler {
	return p.router
}

// Run serves the panel on addr until ctx is cancelled
func (p *Panel) Run(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      p.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go_func_utils.SafeGo(p.logger, func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})

	p.logger.Printf("MockPanel: Web UI at http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.logger.Printf("MockPanel: Web server error: %v", err)
	}
}

func (p *Panel) state() panelState {
	return panelState{
		Treadmill: p.treadmill.State(),
		App: AppState{
			Connected:     p.peripheral.ConnectedCount(),
			Advertising:   p.peripheral.IsAdvertising(),
			TreadmillData: hex.EncodeToString(p.peripheral.Value(ftms.CharUUIDTreadmillData)),
			DataPackets:   p.peripheral.NotifyCount(ftms.CharUUIDTreadmillData),
		},
	}
}

func (p *Panel) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.state())
}

func (p *Panel) handleWrites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.treadmill.Written())
}

func (p *Panel) handleSet(w http.ResponseWriter, r *http.Request) {
	current := p.treadmill.State()
	speed, incline := current.SpeedKph, current.InclinePct

	if s := r.FormValue("speed"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid speed", http.StatusBadRequest)
			return
		}
		speed = v
	}
	if s := r.FormValue("incline"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			http.Error(w, "invalid incline", http.StatusBadRequest)
			return
		}
		incline = v
	}
	p.treadmill.SetValues(speed, incline)
	writeJSON(w, http.StatusOK, p.state())
}

func (p *Panel) handlePower(w http.ResponseWriter, r *http.Request) {
	on, err := strconv.ParseBool(r.FormValue("on"))
	if err != nil {
		http.Error(w, "invalid on", http.StatusBadRequest)
		return
	}
	p.treadmill.SetPoweredOn(on)
	writeJSON(w, http.StatusOK, p.state())
}

func appAddress(r *http.Request) string {
	if a := r.FormValue("address"); a != "" {
		return a
	}
	return DefaultAppAddress
}

func (p *Panel) handleAppConnect(w http.ResponseWriter, r *http.Request) {
	p.peripheral.ConnectApp(appAddress(r))
	writeJSON(w, http.StatusOK, p.state())
}

func (p *Panel) handleAppDisconnect(w http.ResponseWriter, r *http.Request) {
	p.peripheral.DisconnectApp(appAddress(r))
	writeJSON(w, http.StatusOK, p.state())
}

// handleAppControl writes the control point as a fitness app would
func (p *Panel) handleAppControl(w http.ResponseWriter, r *http.Request) {
	var value []byte
	if s := r.FormValue("speed"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid speed", http.StatusBadRequest)
			return
		}
		value = ftms.EncodeSetTargetSpeed(v)
	} else if s := r.FormValue("incline"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			http.Error(w, "invalid incline", http.StatusBadRequest)
			return
		}
		value = ftms.EncodeSetTargetInclination(v)
	} else {
		value = []byte{ftms.OpCodeRequestControl}
	}

	if err := p.peripheral.WriteCharacteristic(ftms.CharUUIDControlPoint, value); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"written": hex.EncodeToString(value)})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (p *Panel) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<title>Mock Treadmill</title>
<style>
body { font-family: sans-serif; margin: 2em; }
fieldset { margin-bottom: 1em; }
pre { background: #f4f4f4; padding: 1em; }
</style>
</head>
<body>
<h1>Mock Treadmill</h1>
<fieldset>
<legend>Console</legend>
Speed (km/h) <input id="speed" type="number" step="0.1" value="5">
Incline (%) <input id="incline" type="number" step="0.5" value="0">
<button onclick="post('/api/set', {speed: v('speed'), incline: v('incline')})">Set</button>
<button onclick="post('/api/power', {on: true})">Power on</button>
<button onclick="post('/api/power', {on: false})">Power off</button>
</fieldset>
<fieldset>
<legend>Fitness app</legend>
<button onclick="post('/api/app/connect', {})">Connect</button>
<button onclick="post('/api/app/disconnect', {})">Disconnect</button>
<button onclick="post('/api/app/control', {speed: v('speed')})">Target speed</button>
<button onclick="post('/api/app/control', {incline: v('incline')})">Target incline</button>
</fieldset>
<h2>State</h2>
<pre id="state"></pre>
<h2>Commands received</h2>
<pre id="writes"></pre>
<script>
function v(id) { return document.getElementById(id).value; }
function post(url, params) {
  fetch(url, {method: 'POST', body: new URLSearchParams(params)}).then(refresh);
}
function refresh() {
  fetch('/api/state').then(r => r.json()).then(s => {
    document.getElementById('state').textContent = JSON.stringify(s, null, 2);
  });
  fetch('/api/writes').then(r => r.json()).then(ws => {
    document.getElementById('writes').textContent = ws.slice(-15).reverse()
      .map(w => w.timestamp + ' ' + w.description + ' ' + w.dataHex).join('\n');
  });
}
setInterval(refresh, 1000);
refresh();
</script>
</body>
</html>
`
