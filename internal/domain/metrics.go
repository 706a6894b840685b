package domain

// MetricID indexes the closed metric vocabulary. Dense per-metric tables in
// the pipeline (threshold tables, composite weights) are arrays indexed by
// MetricID instead of string-keyed maps.
type MetricID int

const (
	MetricSNR MetricID = iota
	MetricCNR
	MetricFBER
	MetricEFC
	MetricFWHMAvg
	MetricFWHMX
	MetricFWHMY
	MetricFWHMZ
	MetricQI1
	MetricQI2
	MetricCJV
	MetricWM2Max
	MetricDVARS
	MetricFDMean
	MetricFDNum
	MetricFDPerc
	MetricGCor
	MetricGSRX
	MetricGSRY
	MetricOutlierFraction

	// MetricCount is the size of the vocabulary.
	MetricCount
)

// Metrics holds one optional value per metric in the closed vocabulary.
// A nil field means the upstream QC tool did not report that metric for the
// session. fd_num is integral by contract; it is stored as float64 for
// uniform access and validated at ingest.
type Metrics struct {
	SNR             *float64 `json:"snr,omitempty"`
	CNR             *float64 `json:"cnr,omitempty"`
	FBER            *float64 `json:"fber,omitempty"`
	EFC             *float64 `json:"efc,omitempty"`
	FWHMAvg         *float64 `json:"fwhm_avg,omitempty"`
	FWHMX           *float64 `json:"fwhm_x,omitempty"`
	FWHMY           *float64 `json:"fwhm_y,omitempty"`
	FWHMZ           *float64 `json:"fwhm_z,omitempty"`
	QI1             *float64 `json:"qi1,omitempty"`
	QI2             *float64 `json:"qi2,omitempty"`
	CJV             *float64 `json:"cjv,omitempty"`
	WM2Max          *float64 `json:"wm2max,omitempty"`
	DVARS           *float64 `json:"dvars,omitempty"`
	FDMean          *float64 `json:"fd_mean,omitempty"`
	FDNum           *float64 `json:"fd_num,omitempty"`
	FDPerc          *float64 `json:"fd_perc,omitempty"`
	GCor            *float64 `json:"gcor,omitempty"`
	GSRX            *float64 `json:"gsr_x,omitempty"`
	GSRY            *float64 `json:"gsr_y,omitempty"`
	OutlierFraction *float64 `json:"outlier_fraction,omitempty"`
}

// MetricDescriptor describes one vocabulary entry: its column name, a human
// label for report text, sanity range, desirable direction, and accessors
// into a Metrics value. The descriptor table drives column-based ingest and
// export without reflection.
type MetricDescriptor struct {
	ID        MetricID
	Name      string
	Label     string
	Min       float64
	Max       float64
	Direction Direction
	Integral  bool

	get func(*Metrics) *float64
	set func(*Metrics, float64)
}

// Value returns the metric's value in m, or nil when absent.
func (d *MetricDescriptor) Value(m *Metrics) *float64 {
	return d.get(m)
}

// SetValue stores v as the metric's value in m.
func (d *MetricDescriptor) SetValue(m *Metrics, v float64) {
	d.set(m, v)
}

// InRange reports whether v lies inside the metric's sanity range.
func (d *MetricDescriptor) InRange(v float64) bool {
	return v >= d.Min && v <= d.Max
}

// metricTable lists the vocabulary in its canonical order. The order is
// load-bearing: CSV export columns and recommendation ordering follow it.
var metricTable = [MetricCount]MetricDescriptor{
	{ID: MetricSNR, Name: "snr", Label: "signal-to-noise", Min: 0, Max: 100, Direction: HigherBetter,
		get: func(m *Metrics) *float64 { return m.SNR },
		set: func(m *Metrics, v float64) { m.SNR = &v }},
	{ID: MetricCNR, Name: "cnr", Label: "contrast-to-noise", Min: 0, Max: 50, Direction: HigherBetter,
		get: func(m *Metrics) *float64 { return m.CNR },
		set: func(m *Metrics, v float64) { m.CNR = &v }},
	{ID: MetricFBER, Name: "fber", Label: "foreground-background energy ratio", Min: 0, Max: 1e6, Direction: HigherBetter,
		get: func(m *Metrics) *float64 { return m.FBER },
		set: func(m *Metrics, v float64) { m.FBER = &v }},
	{ID: MetricEFC, Name: "efc", Label: "entropy focus criterion", Min: 0, Max: 1, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.EFC },
		set: func(m *Metrics, v float64) { m.EFC = &v }},
	{ID: MetricFWHMAvg, Name: "fwhm_avg", Label: "average smoothness", Min: 0, Max: 20, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.FWHMAvg },
		set: func(m *Metrics, v float64) { m.FWHMAvg = &v }},
	{ID: MetricFWHMX, Name: "fwhm_x", Label: "smoothness along x", Min: 0, Max: 20, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.FWHMX },
		set: func(m *Metrics, v float64) { m.FWHMX = &v }},
	{ID: MetricFWHMY, Name: "fwhm_y", Label: "smoothness along y", Min: 0, Max: 20, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.FWHMY },
		set: func(m *Metrics, v float64) { m.FWHMY = &v }},
	{ID: MetricFWHMZ, Name: "fwhm_z", Label: "smoothness along z", Min: 0, Max: 20, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.FWHMZ },
		set: func(m *Metrics, v float64) { m.FWHMZ = &v }},
	{ID: MetricQI1, Name: "qi1", Label: "artifact voxel fraction", Min: 0, Max: 1, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.QI1 },
		set: func(m *Metrics, v float64) { m.QI1 = &v }},
	{ID: MetricQI2, Name: "qi2", Label: "noise fit quality", Min: 0, Max: 1, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.QI2 },
		set: func(m *Metrics, v float64) { m.QI2 = &v }},
	{ID: MetricCJV, Name: "cjv", Label: "coefficient of joint variation", Min: 0, Max: 10, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.CJV },
		set: func(m *Metrics, v float64) { m.CJV = &v }},
	{ID: MetricWM2Max, Name: "wm2max", Label: "white-matter intensity ratio", Min: 0, Max: 1, Direction: HigherBetter,
		get: func(m *Metrics) *float64 { return m.WM2Max },
		set: func(m *Metrics, v float64) { m.WM2Max = &v }},
	{ID: MetricDVARS, Name: "dvars", Label: "signal variance over time", Min: 0, Max: 500, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.DVARS },
		set: func(m *Metrics, v float64) { m.DVARS = &v }},
	{ID: MetricFDMean, Name: "fd_mean", Label: "mean framewise displacement", Min: 0, Max: 10, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.FDMean },
		set: func(m *Metrics, v float64) { m.FDMean = &v }},
	{ID: MetricFDNum, Name: "fd_num", Label: "high-motion frame count", Min: 0, Max: 100000, Direction: LowerBetter, Integral: true,
		get: func(m *Metrics) *float64 { return m.FDNum },
		set: func(m *Metrics, v float64) { m.FDNum = &v }},
	{ID: MetricFDPerc, Name: "fd_perc", Label: "high-motion frame percentage", Min: 0, Max: 100, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.FDPerc },
		set: func(m *Metrics, v float64) { m.FDPerc = &v }},
	{ID: MetricGCor, Name: "gcor", Label: "global correlation", Min: -1, Max: 1, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.GCor },
		set: func(m *Metrics, v float64) { m.GCor = &v }},
	{ID: MetricGSRX, Name: "gsr_x", Label: "ghost-to-signal ratio along x", Min: -1, Max: 1, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.GSRX },
		set: func(m *Metrics, v float64) { m.GSRX = &v }},
	{ID: MetricGSRY, Name: "gsr_y", Label: "ghost-to-signal ratio along y", Min: -1, Max: 1, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.GSRY },
		set: func(m *Metrics, v float64) { m.GSRY = &v }},
	{ID: MetricOutlierFraction, Name: "outlier_fraction", Label: "outlier voxel fraction", Min: 0, Max: 1, Direction: LowerBetter,
		get: func(m *Metrics) *float64 { return m.OutlierFraction },
		set: func(m *Metrics, v float64) { m.OutlierFraction = &v }},
}

var metricsByName = buildMetricIndex()

func buildMetricIndex() map[string]*MetricDescriptor {
	idx := make(map[string]*MetricDescriptor, MetricCount)
	for i := range metricTable {
		idx[metricTable[i].Name] = &metricTable[i]
	}
	return idx
}

// Vocabulary returns the metric descriptors in canonical order.
func Vocabulary() []*MetricDescriptor {
	out := make([]*MetricDescriptor, MetricCount)
	for i := range metricTable {
		out[i] = &metricTable[i]
	}
	return out
}

// MetricByName looks up a descriptor by its column name. Lookup is
// case-sensitive; the vocabulary is closed.
func MetricByName(name string) (*MetricDescriptor, bool) {
	d, ok := metricsByName[name]
	return d, ok
}

// MetricByID returns the descriptor for a vocabulary index.
func MetricByID(id MetricID) *MetricDescriptor {
	return &metricTable[id]
}

// Value returns the metric value for id, or nil when absent.
func (m *Metrics) Value(id MetricID) *float64 {
	return metricTable[id].get(m)
}

// Set stores v for the metric id.
func (m *Metrics) Set(id MetricID, v float64) {
	metricTable[id].set(m, v)
}

// PresentCount returns the number of metrics with a value.
func (m *Metrics) PresentCount() int {
	n := 0
	for i := range metricTable {
		if metricTable[i].get(m) != nil {
			n++
		}
	}
	return n
}

// Present returns the IDs of all metrics with a value, in vocabulary order.
func (m *Metrics) Present() []MetricID {
	ids := make([]MetricID, 0, MetricCount)
	for i := range metricTable {
		if metricTable[i].get(m) != nil {
			ids = append(ids, MetricID(i))
		}
	}
	return ids
}

// Clone returns a deep copy of the metrics.
func (m *Metrics) Clone() *Metrics {
	if m == nil {
		return nil
	}
	out := &Metrics{}
	for i := range metricTable {
		if v := metricTable[i].get(m); v != nil {
			metricTable[i].set(out, *v)
		}
	}
	return out
}
