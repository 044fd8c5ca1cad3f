package radio

const (
	SnapshotList     = "list"
	SnapshotFallback = "fallback"
	SnapshotProgress = "progress"
)

// Snapshot is the state pushed to observers. Items never expose the
// locator of an entry.
type Snapshot struct {
	Type     string  `json:"type"`
	Position float64 `json:"position,omitempty"`
	List     []Item  `json:"list,omitempty"`
	Filename string  `json:"filename,omitempty"`
}

type Item struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Nick     string `json:"nick"`
	Address  string `json:"address"`
	Prio     int    `json:"prio"`
}

// Descriptor is what a client needs to fetch a queued track.
type Descriptor struct {
	Type     Kind   `json:"type"`
	Filename string `json:"filename"`
	MRL      string `json:"mrl"`
}

func sanitize(e *Entry) Item {
	return Item{
		ID:       e.ID,
		Filename: e.Label,
		Nick:     e.Nick,
		Address:  e.SubmitterID,
		Prio:     e.Priority,
	}
}

var defaultAmbientLabels = map[AmbientMode]string{
	AmbientStream: "Now playing Slay Radio...",
	AmbientLocal:  "Now playing dubstep...",
}
