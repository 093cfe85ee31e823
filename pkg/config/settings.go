package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
)

// Settings is the immutable run configuration. It is built once at
// startup and handed by value to both processes.
type Settings struct {
	Control     ControlSettings
	Palpation   PalpationSettings
	Oscillation OscillationSettings
	Alignment   AlignmentSettings
	Search      SearchSettings
	Monitor     MonitorSettings
	Telemetry   TelemetrySettings
	Robot       RobotSettings
	ForceSensor ForceSensorSettings
	MQTT        MQTTSettings
	Log         LogSettings
	Output      OutputSettings
}

// ControlSettings configures the control loop.
type ControlSettings struct {
	RateHz             float64
	StepFast           int
	StepSlow           int
	BufferSize         int
	FirstStateTimeout  time.Duration
	LagReportThreshold time.Duration
}

// PalpationSettings configures probe geometry and contact detection.
type PalpationSettings struct {
	Depth               float64
	Clearance           float64
	ForceLimit          float64
	StiffnessScale      float64
	StiffnessNoiseFloor float64
	ResetPosition       [3]float64
	ResetQuat           [4]float64 // x, y, z, w
}

// OscillationSettings configures the force-mode oscillation.
type OscillationSettings struct {
	Period       float64
	Amplitude    float64
	DownwardBias float64
}

// AlignmentSettings weights the probe orientation solve.
type AlignmentSettings struct {
	PrimaryWeight   float64
	SecondaryWeight float64
	SecondaryTool   [3]float64
	SecondaryWorld  [3]float64
}

// SearchSettings configures the search oracle. Without roi_path the ROI
// is a flat square patch under the reset position.
type SearchSettings struct {
	ROIPath      string
	GridSize     float64
	Seed         int64
	MaxProbes    int
	PatchSize    float64
	PatchSpacing float64
}

type MonitorSettings struct {
	RateHz      float64
	HTTPAddr    string
	ExitTimeout time.Duration
}

type TelemetrySettings struct {
	Dir  string
	Name string
}

// Path returns the shared memory file path.
func (t TelemetrySettings) Path() string {
	return filepath.Join(t.Dir, t.Name)
}

// RobotSettings selects the robot backend. The sim_* options describe the
// simulated surface.
type RobotSettings struct {
	Backend          string
	SurfaceHeight    float64
	SurfaceStiffness float64
	CreepSpeed       float64
	TrackingGain     float64
	ReadyDelay       time.Duration
}

type ForceSensorSettings struct {
	Backend string
	Device  string
	Baud    int
	Scale   float64
}

type MQTTSettings struct {
	Enabled     bool
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         int
}

type LogSettings struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

type OutputSettings struct {
	Dir string
}

// reader collects the first error while the settings sections are read,
// so the builders below stay linear.
type reader struct {
	sec *Section
	err error
}

func (r *reader) float(option string, b FloatBounds, def float64) float64 {
	if r.err != nil {
		return def
	}
	v, err := r.sec.GetFloatWithBounds(option, b, def)
	r.err = err
	return v
}

func (r *reader) int(option string, minVal, def int) int {
	if r.err != nil {
		return def
	}
	v, err := r.sec.GetIntWithMin(option, minVal, def)
	r.err = err
	return v
}

func (r *reader) str(option, def string) string {
	if r.err != nil {
		return def
	}
	v, err := r.sec.Get(option, def)
	r.err = err
	return v
}

func (r *reader) choice(option string, choices []string, def string) string {
	if r.err != nil {
		return def
	}
	v, err := r.sec.GetChoice(option, choices, def)
	r.err = err
	return v
}

func (r *reader) bool(option string, def bool) bool {
	if r.err != nil {
		return def
	}
	v, err := r.sec.GetBool(option, def)
	r.err = err
	return v
}

func (r *reader) seconds(option string, def float64) time.Duration {
	return time.Duration(r.float(option, AtLeast(0), def) * float64(time.Second))
}

func (r *reader) vec3(option string, def [3]float64) [3]float64 {
	var out [3]float64
	r.list(option, out[:], def[:])
	return out
}

func (r *reader) list(option string, dst, def []float64) {
	copy(dst, def)
	if r.err != nil {
		return
	}
	v, err := r.sec.GetFloatList(option, ",", len(dst), def)
	if err != nil {
		r.err = err
		return
	}
	copy(dst, v)
}

// Defaults returns the settings used when no config file is given.
func Defaults() Settings {
	s, _ := FromConfig(New())
	return s
}

// LoadSettings loads an optional .env file, reads path and applies
// PALPATION_* environment overrides. An empty path yields the defaults
// plus overrides.
func LoadSettings(path, envFile string) (Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Settings{}, perrors.Wrap(err, perrors.ErrConfigSection, "loading "+envFile)
		}
	}

	cfg := New()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return Settings{}, err
		}
	}
	s, err := FromConfig(cfg)
	if err != nil {
		return Settings{}, err
	}
	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// FromConfig builds Settings from a parsed config, filling defaults for
// absent options.
func FromConfig(cfg *Config) (Settings, error) {
	var s Settings
	var r *reader
	section := func(name string) *reader {
		if r != nil && r.err != nil {
			return r
		}
		r = &reader{sec: cfg.GetSectionOptional(name)}
		return r
	}

	c := section("control")
	s.Control = ControlSettings{
		RateHz:             c.float("rate_hz", Above(0), 80),
		StepFast:           c.int("step_fast", 1, 100),
		StepSlow:           c.int("step_slow", 1, 300),
		BufferSize:         c.int("buffer_size", 2, 100),
		FirstStateTimeout:  c.seconds("first_state_timeout", 10),
		LagReportThreshold: c.seconds("lag_report_threshold", 0.05),
	}

	p := section("palpation")
	s.Palpation = PalpationSettings{
		Depth:               p.float("depth", Above(0), 0.01),
		Clearance:           p.float("clearance", Above(0), 0.05),
		ForceLimit:          p.float("force_limit", Above(0), 5.0),
		StiffnessScale:      p.float("stiffness_scale", Above(0), 1000),
		StiffnessNoiseFloor: p.float("stiffness_noise_floor", AtLeast(0), 0.05),
		ResetPosition:       p.vec3("reset_position", [3]float64{0.45, 0, 0.35}),
	}
	p.list("reset_quat", s.Palpation.ResetQuat[:], []float64{1, 0, 0, 0})

	o := section("oscillation")
	s.Oscillation = OscillationSettings{
		Period:       o.float("period", Above(0), 2.0),
		Amplitude:    o.float("amplitude", AtLeast(0), 0.004),
		DownwardBias: o.float("downward_bias", AtLeast(0), 5.0),
	}

	a := section("alignment")
	s.Alignment = AlignmentSettings{
		PrimaryWeight:   a.float("primary_weight", Above(0), 10),
		SecondaryWeight: a.float("secondary_weight", AtLeast(0), 0.1),
		SecondaryTool:   a.vec3("secondary_tool_axis", [3]float64{0, 1, 0}),
		SecondaryWorld:  a.vec3("secondary_world_axis", [3]float64{0, -1, 0}),
	}

	se := section("search")
	s.Search = SearchSettings{
		ROIPath:      se.str("roi_path", ""),
		GridSize:     se.float("grid_size", Above(0), 0.005),
		Seed:         int64(se.int("seed", 0, 0)),
		MaxProbes:    se.int("max_probes", 0, 0),
		PatchSize:    se.float("patch_size", AtLeast(0), 0.04),
		PatchSpacing: se.float("patch_spacing", Above(0), 0.002),
	}

	m := section("monitor")
	s.Monitor = MonitorSettings{
		RateHz:      m.float("rate_hz", Above(0), 30),
		HTTPAddr:    m.str("http_addr", ""),
		ExitTimeout: m.seconds("exit_timeout", 10),
	}

	t := section("telemetry")
	s.Telemetry = TelemetrySettings{
		Dir:  t.str("shm_dir", "/dev/shm"),
		Name: t.str("shm_name", "palpation_telemetry"),
	}

	rb := section("robot")
	s.Robot = RobotSettings{
		Backend:          rb.choice("backend", []string{"sim"}, "sim"),
		SurfaceHeight:    rb.float("sim_surface_height", FloatBounds{}, 0.0),
		SurfaceStiffness: rb.float("sim_surface_stiffness", Above(0), 2000),
		CreepSpeed:       rb.float("sim_creep_speed", Above(0), 0.00005),
		TrackingGain:     rb.float("sim_tracking_gain", FloatBounds{Above: ptr(0), MaxVal: ptr(1)}, 1.0),
		ReadyDelay:       rb.seconds("sim_ready_delay", 0.1),
	}

	fs := section("force_sensor")
	s.ForceSensor = ForceSensorSettings{
		Backend: fs.choice("backend", []string{"sim", "serial"}, "sim"),
		Device:  fs.str("device", "/dev/ttyUSB0"),
		Baud:    fs.int("baud", 1, 115200),
		Scale:   fs.float("scale", Above(0), 1.0),
	}

	mq := section("mqtt")
	s.MQTT = MQTTSettings{
		Enabled:     mq.bool("enabled", false),
		Broker:      mq.str("broker", "tcp://localhost:1883"),
		ClientID:    mq.str("client_id", "palpation-monitor"),
		Username:    mq.str("username", ""),
		Password:    mq.str("password", ""),
		TopicPrefix: mq.str("topic_prefix", "palpation"),
		QoS:         mq.int("qos", 0, 0),
	}

	l := section("log")
	s.Log = LogSettings{
		Level:      l.choice("level", []string{"debug", "info", "warn", "error"}, "info"),
		Format:     l.choice("format", []string{"text", "json"}, "text"),
		File:       l.str("file", "palpation.log"),
		MaxSizeMB:  l.int("max_size_mb", 1, 10),
		MaxBackups: l.int("max_backups", 1, 5),
	}

	out := section("output")
	s.Output = OutputSettings{Dir: out.str("dir", "data")}

	if r.err != nil {
		return Settings{}, r.err
	}
	if s.MQTT.QoS > 2 {
		return Settings{}, perrors.ConfigValidationError("mqtt", "qos", "must be 0, 1 or 2")
	}
	if s.Control.StepSlow < s.Control.StepFast {
		return Settings{}, perrors.ConfigValidationError("control", "step_slow",
			"must not be smaller than step_fast")
	}
	return s, nil
}

func ptr(v float64) *float64 { return &v }

// applyEnv overrides deployment-specific options from the environment.
func (s *Settings) applyEnv() error {
	if v := os.Getenv("PALPATION_OUTPUT_DIR"); v != "" {
		s.Output.Dir = v
	}
	if v := os.Getenv("PALPATION_SHM_DIR"); v != "" {
		s.Telemetry.Dir = v
	}
	if v := os.Getenv("PALPATION_ROI_PATH"); v != "" {
		s.Search.ROIPath = v
	}
	if v := os.Getenv("PALPATION_MQTT_BROKER"); v != "" {
		s.MQTT.Broker = v
		s.MQTT.Enabled = true
	}
	if v := os.Getenv("PALPATION_MQTT_USERNAME"); v != "" {
		s.MQTT.Username = v
	}
	if v := os.Getenv("PALPATION_MQTT_PASSWORD"); v != "" {
		s.MQTT.Password = v
	}
	if v := os.Getenv("PALPATION_HTTP_ADDR"); v != "" {
		s.Monitor.HTTPAddr = v
	}
	if v := os.Getenv("PALPATION_SEARCH_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return perrors.ConfigTypeError("env", "PALPATION_SEARCH_SEED", v, "integer", err)
		}
		s.Search.Seed = seed
	}
	return nil
}
