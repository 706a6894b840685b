package normative

import (
	"github.com/neuroqc-norm-server/internal/domain"
)

// DefaultDatasetName identifies the compiled-in reference dataset.
const DefaultDatasetName = "builtin-v1"

// DefaultAgeGroups returns the standard age partition.
func DefaultAgeGroups() []domain.AgeGroup {
	return []domain.AgeGroup{
		{Name: "pediatric", MinAge: 6, MaxAge: 12, Description: "School-age children"},
		{Name: "adolescent", MinAge: 13, MaxAge: 17, Description: "Adolescents"},
		{Name: "young_adult", MinAge: 18, MaxAge: 35, Description: "Young adults"},
		{Name: "middle_age", MinAge: 36, MaxAge: 65, Description: "Middle-aged adults"},
		{Name: "elderly", MinAge: 66, MaxAge: 100, Description: "Older adults"},
	}
}

// defaultRow carries the reference statistics and the default threshold for
// one (metric, age group) pair. Threshold direction follows the metric's
// canonical direction from the vocabulary.
type defaultRow struct {
	metric  string
	group   string
	mean    float64
	sd      float64
	anchors [5]float64 // p5, p25, p50, p75, p95
	n       int
	warn    float64
	fail    float64
}

var defaultRows = []defaultRow{
	// snr: signal-to-noise declines toward both ends of the age range.
	{"snr", "pediatric", 11.5, 2.2, [5]float64{7.9, 10.0, 11.5, 13.0, 15.1}, 180, 9.5, 7.5},
	{"snr", "adolescent", 12.5, 2.1, [5]float64{9.0, 11.1, 12.5, 13.9, 16.0}, 210, 10.5, 8.5},
	{"snr", "young_adult", 12.0, 2.0, [5]float64{8.7, 10.7, 12.0, 13.3, 15.3}, 320, 10.0, 8.0},
	{"snr", "middle_age", 11.5, 2.1, [5]float64{8.0, 10.1, 11.5, 12.9, 15.0}, 280, 9.5, 7.5},
	{"snr", "elderly", 10.5, 2.3, [5]float64{6.7, 8.9, 10.5, 12.1, 14.3}, 190, 10.0, 8.0},

	{"cnr", "pediatric", 3.2, 0.7, [5]float64{2.0, 2.7, 3.2, 3.7, 4.4}, 180, 2.5, 1.8},
	{"cnr", "adolescent", 3.5, 0.7, [5]float64{2.3, 3.0, 3.5, 4.0, 4.7}, 210, 2.8, 2.1},
	{"cnr", "young_adult", 3.8, 0.6, [5]float64{2.8, 3.4, 3.8, 4.2, 4.8}, 320, 3.0, 2.3},
	{"cnr", "middle_age", 3.4, 0.7, [5]float64{2.2, 2.9, 3.4, 3.9, 4.6}, 280, 2.7, 2.0},
	{"cnr", "elderly", 3.0, 0.8, [5]float64{1.7, 2.5, 3.0, 3.5, 4.3}, 190, 2.5, 2.0},

	{"fber", "pediatric", 1800, 650, [5]float64{830, 1360, 1800, 2240, 2870}, 180, 800, 400},
	{"fber", "adolescent", 2100, 700, [5]float64{950, 1630, 2100, 2570, 3250}, 210, 900, 450},
	{"fber", "young_adult", 2400, 750, [5]float64{1170, 1890, 2400, 2910, 3630}, 320, 1000, 500},
	{"fber", "middle_age", 2200, 720, [5]float64{1020, 1710, 2200, 2690, 3380}, 280, 950, 480},
	{"fber", "elderly", 1900, 700, [5]float64{750, 1430, 1900, 2370, 3050}, 190, 850, 420},

	{"efc", "pediatric", 0.50, 0.07, [5]float64{0.39, 0.45, 0.50, 0.55, 0.62}, 180, 0.58, 0.68},
	{"efc", "adolescent", 0.48, 0.06, [5]float64{0.38, 0.44, 0.48, 0.52, 0.58}, 210, 0.56, 0.66},
	{"efc", "young_adult", 0.47, 0.06, [5]float64{0.38, 0.42, 0.47, 0.52, 0.57}, 320, 0.55, 0.65},
	{"efc", "middle_age", 0.49, 0.06, [5]float64{0.39, 0.45, 0.49, 0.53, 0.59}, 280, 0.56, 0.66},
	{"efc", "elderly", 0.52, 0.07, [5]float64{0.41, 0.47, 0.52, 0.57, 0.64}, 190, 0.60, 0.70},

	{"fwhm_avg", "pediatric", 2.9, 0.35, [5]float64{2.3, 2.7, 2.9, 3.1, 3.5}, 180, 3.8, 4.4},
	{"fwhm_avg", "adolescent", 3.0, 0.35, [5]float64{2.4, 2.8, 3.0, 3.2, 3.6}, 210, 3.9, 4.5},
	{"fwhm_avg", "young_adult", 3.1, 0.35, [5]float64{2.5, 2.9, 3.1, 3.3, 3.7}, 320, 4.0, 4.6},
	{"fwhm_avg", "middle_age", 3.2, 0.36, [5]float64{2.6, 3.0, 3.2, 3.4, 3.8}, 280, 4.1, 4.7},
	{"fwhm_avg", "elderly", 3.4, 0.40, [5]float64{2.7, 3.1, 3.4, 3.7, 4.1}, 190, 4.3, 4.9},

	{"cjv", "pediatric", 0.42, 0.08, [5]float64{0.29, 0.37, 0.42, 0.47, 0.55}, 180, 0.55, 0.66},
	{"cjv", "adolescent", 0.40, 0.07, [5]float64{0.28, 0.35, 0.40, 0.45, 0.52}, 210, 0.52, 0.62},
	{"cjv", "young_adult", 0.38, 0.07, [5]float64{0.27, 0.33, 0.38, 0.43, 0.50}, 320, 0.50, 0.60},
	{"cjv", "middle_age", 0.41, 0.07, [5]float64{0.29, 0.36, 0.41, 0.46, 0.53}, 280, 0.53, 0.63},
	{"cjv", "elderly", 0.46, 0.08, [5]float64{0.33, 0.41, 0.46, 0.51, 0.59}, 190, 0.60, 0.72},

	// Motion metrics: children and older adults move more in the scanner.
	{"dvars", "pediatric", 42, 8, [5]float64{29, 37, 42, 47, 55}, 160, 58, 70},
	{"dvars", "adolescent", 38, 7, [5]float64{26, 33, 38, 43, 50}, 200, 52, 63},
	{"dvars", "young_adult", 35, 6, [5]float64{25, 31, 35, 39, 45}, 300, 47, 57},
	{"dvars", "middle_age", 37, 7, [5]float64{25, 32, 37, 42, 49}, 260, 51, 62},
	{"dvars", "elderly", 40, 8, [5]float64{27, 35, 40, 45, 53}, 170, 56, 68},

	{"fd_mean", "pediatric", 0.22, 0.09, [5]float64{0.08, 0.16, 0.22, 0.28, 0.37}, 160, 0.40, 0.60},
	{"fd_mean", "adolescent", 0.16, 0.07, [5]float64{0.05, 0.11, 0.16, 0.21, 0.28}, 200, 0.30, 0.50},
	{"fd_mean", "young_adult", 0.13, 0.05, [5]float64{0.05, 0.10, 0.13, 0.16, 0.21}, 300, 0.25, 0.45},
	{"fd_mean", "middle_age", 0.15, 0.06, [5]float64{0.05, 0.11, 0.15, 0.19, 0.25}, 260, 0.28, 0.48},
	{"fd_mean", "elderly", 0.21, 0.09, [5]float64{0.07, 0.15, 0.21, 0.27, 0.36}, 170, 0.38, 0.58},

	{"fd_perc", "pediatric", 18, 8, [5]float64{5, 13, 18, 23, 31}, 160, 32, 48},
	{"fd_perc", "adolescent", 13, 6, [5]float64{3, 9, 13, 17, 23}, 200, 25, 40},
	{"fd_perc", "young_adult", 10, 5, [5]float64{2, 7, 10, 13, 18}, 300, 20, 35},
	{"fd_perc", "middle_age", 12, 5, [5]float64{4, 9, 12, 15, 20}, 260, 22, 38},
	{"fd_perc", "elderly", 17, 8, [5]float64{4, 12, 17, 22, 30}, 170, 30, 45},

	{"gcor", "pediatric", 0.040, 0.020, [5]float64{0.008, 0.026, 0.040, 0.054, 0.073}, 160, 0.09, 0.16},
	{"gcor", "adolescent", 0.035, 0.018, [5]float64{0.006, 0.023, 0.035, 0.047, 0.065}, 200, 0.08, 0.15},
	{"gcor", "young_adult", 0.030, 0.015, [5]float64{0.005, 0.020, 0.030, 0.040, 0.055}, 300, 0.08, 0.15},
	{"gcor", "middle_age", 0.033, 0.016, [5]float64{0.007, 0.022, 0.033, 0.044, 0.059}, 260, 0.08, 0.15},
	{"gcor", "elderly", 0.038, 0.019, [5]float64{0.007, 0.025, 0.038, 0.051, 0.069}, 170, 0.09, 0.16},

	{"outlier_fraction", "pediatric", 0.050, 0.020, [5]float64{0.017, 0.037, 0.050, 0.063, 0.083}, 160, 0.09, 0.13},
	{"outlier_fraction", "adolescent", 0.040, 0.018, [5]float64{0.010, 0.028, 0.040, 0.052, 0.070}, 200, 0.08, 0.12},
	{"outlier_fraction", "young_adult", 0.030, 0.015, [5]float64{0.005, 0.020, 0.030, 0.040, 0.055}, 300, 0.07, 0.11},
	{"outlier_fraction", "middle_age", 0.035, 0.016, [5]float64{0.009, 0.024, 0.035, 0.046, 0.061}, 260, 0.08, 0.12},
	{"outlier_fraction", "elderly", 0.045, 0.020, [5]float64{0.012, 0.032, 0.045, 0.058, 0.078}, 170, 0.09, 0.13},
}

// DefaultRecords returns the built-in normative records.
func DefaultRecords() []domain.NormativeRecord {
	out := make([]domain.NormativeRecord, 0, len(defaultRows))
	for _, r := range defaultRows {
		out = append(out, domain.NormativeRecord{
			AgeGroup:   r.group,
			Metric:     r.metric,
			Mean:       r.mean,
			SD:         r.sd,
			P5:         domain.Float64(r.anchors[0]),
			P25:        domain.Float64(r.anchors[1]),
			P50:        domain.Float64(r.anchors[2]),
			P75:        domain.Float64(r.anchors[3]),
			P95:        domain.Float64(r.anchors[4]),
			SampleSize: r.n,
		})
	}
	return out
}

// DefaultThresholds returns the built-in threshold policy.
func DefaultThresholds() []domain.Threshold {
	out := make([]domain.Threshold, 0, len(defaultRows))
	for _, r := range defaultRows {
		d, _ := domain.MetricByName(r.metric)
		out = append(out, domain.Threshold{
			Metric:    r.metric,
			AgeGroup:  r.group,
			Warn:      r.warn,
			Fail:      r.fail,
			Direction: d.Direction,
		})
	}
	return out
}
