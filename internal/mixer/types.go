package mixer

// TrackInfo is the parsed result of the "music.info" command: key=value
// lines. Unknown keys are ignored by the parser.
type TrackInfo struct {
	Artist   string
	Title    string
	Filename string
	Genre    string
	Year     string
	Album    string
}

// Volumes mirrors get_volumes(): all nine scalars the mixer persists. Reads
// fall back field-by-field to these defaults on parse/read error.
type Volumes struct {
	Music         float64
	TTS           float64
	Earcon        float64
	DuckAmount    float64
	CrossfadeSecs float64
	DuckInSecs    float64
	DuckOutSecs   float64
	DuckInCurve   float64
	DuckOutCurve  float64
}

// DefaultVolumes are the documented fallback values for get_volumes() on a
// read error, one field at a time.
var DefaultVolumes = Volumes{
	Music:         1.0,
	TTS:           0.85,
	Earcon:        0.5,
	DuckAmount:    0.15,
	CrossfadeSecs: 5.0,
	DuckInSecs:    0.8,
	DuckOutSecs:   0.6,
	DuckInCurve:   0.7,
	DuckOutCurve:  0.3,
}

// PathMapping translates a host filesystem prefix to the path the engine
// sees (e.g. a container bind-mount). The longest matching Host prefix wins.
type PathMapping struct {
	Host      string
	Container string
}
