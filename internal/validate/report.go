package validate

// Check names, stable across report versions.
const (
	CheckLoadCOCO             = "load_coco"
	CheckSchemaRequiredKeys   = "schema_required_keys"
	CheckDuplicates           = "duplicates"
	CheckRawConsistency       = "raw_files_consistency"
	CheckProcessedConsistency = "processed_consistency"
)

// Check is one independent check result. Detail is check specific.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail any    `json:"detail"`
}

// LoadDetail counts the canonical set's records.
type LoadDetail struct {
	Images      int `json:"images"`
	Annotations int `json:"annotations"`
	Categories  int `json:"categories"`
}

// KeysDetail lists missing top-level keys.
type KeysDetail struct {
	Missing []string `json:"missing"`
}

// DuplicatesDetail lists repeated image ids and file names.
type DuplicatesDetail struct {
	ImageID  []int    `json:"image_id"`
	FileName []string `json:"file_name"`
}

// ConsistencyDetail compares canonical names with stored files.
type ConsistencyDetail struct {
	Prefix     string   `json:"prefix"`
	COCOImages int      `json:"coco_images"`
	Files      int      `json:"files"`
	Missing    []string `json:"missing"`         // Declared but not stored, preview only
	Orphans    []string `json:"orphans"`         // Stored but not declared, preview only
	Error      string   `json:"error,omitempty"` // Listing failure
}

// Paths records where the report looked.
type Paths struct {
	RawImagesPrefix string `json:"raw_images_prefix"`
	RawCOCOKey      string `json:"raw_coco_key"`
	ProcessedPrefix string `json:"processed_prefix"`
	ReportKey       string `json:"report_key"`
}

// ManifestCounts are the manifest builder's figures merged into the summary.
type ManifestCounts struct {
	Train         int            `json:"train"`
	Val           int            `json:"val"`
	Dropped       int            `json:"dropped"`
	Balanced      bool           `json:"balanced"`
	TrainPerClass map[string]int `json:"train_per_class,omitempty"`
	ValPerClass   map[string]int `json:"val_per_class,omitempty"`
}

// Summary is the numeric overview of the dataset.
type Summary struct {
	ImagesCOCO      int            `json:"imgs_coco"`
	ImagesRaw       int            `json:"imgs_raw"`
	ImagesProcessed int            `json:"imgs_processed"`
	Annotations     int            `json:"annotations"`
	Categories      int            `json:"categories"`
	TrainManifest   *int           `json:"train_manifest,omitempty"`
	ValManifest     *int           `json:"val_manifest,omitempty"`
	Dropped         *int           `json:"dropped,omitempty"`
	Balanced        *bool          `json:"balanced,omitempty"`
	TrainPerClass   map[string]int `json:"train_per_class,omitempty"`
	ValPerClass     map[string]int `json:"val_per_class,omitempty"`
}

// Report is the validation report written next to the manifests.
type Report struct {
	Dataset     string   `json:"dataset"`
	GeneratedAt string   `json:"generated_at"`
	OK          bool     `json:"ok"`
	Paths       Paths    `json:"paths"`
	Checks      []Check  `json:"checks"`
	Summary     *Summary `json:"summary,omitempty"`
}

// Check returns the named check, or nil.
func (r *Report) Check(name string) *Check {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
}
