package migration

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/richblack/storemigrator/logging"
)

// rowStoreMagic is the 16-byte ASCII signature a legacy row-store file
// must begin with.
var rowStoreMagic = []byte("SQLite format 3\x00")

// vectorStoreMagic is the 4-byte ASCII tag a legacy vector-store file
// must begin with.
var vectorStoreMagic = []byte("DUCK")

// Detector is C1: scans well-known paths for legacy files and classifies
// them by magic bytes.
type Detector struct {
	rowStoreDir      string
	vectorStoreDir   string
	maxFileSizeBytes int64
	softWarnBytes    int64
	logger           logging.Logger
}

// NewDetector builds a Detector over the two legacy-file directories.
func NewDetector(rowStoreDir, vectorStoreDir string, maxFileSizeBytes, softWarnBytes int64, logger logging.Logger) *Detector {
	if logger == nil {
		logger = logging.Default("detector")
	}
	return &Detector{
		rowStoreDir:      rowStoreDir,
		vectorStoreDir:   vectorStoreDir,
		maxFileSizeBytes: maxFileSizeBytes,
		softWarnBytes:    softWarnBytes,
		logger:           logger,
	}
}

// Detect scans the row-store and vector-store directories and classifies
// every regular file found by its leading magic bytes.
func (d *Detector) Detect() (DetectionResult, error) {
	result := DetectionResult{}

	rowFiles, err := d.scanDir(d.rowStoreDir, KindRowStore, rowStoreMagic)
	if err != nil {
		return result, fmt.Errorf("scan row store dir: %w", err)
	}
	vectorFiles, err := d.scanDir(d.vectorStoreDir, KindVectorStore, vectorStoreMagic)
	if err != nil {
		return result, fmt.Errorf("scan vector store dir: %w", err)
	}

	result.RowFiles = rowFiles
	result.VectorFiles = vectorFiles

	for _, f := range rowFiles {
		result.TotalSize += f.Size
		if f.MagicOK {
			result.RequiresMigration = true
		}
	}
	for _, f := range vectorFiles {
		result.TotalSize += f.Size
		if f.MagicOK {
			result.RequiresMigration = true
		}
	}
	result.HasLegacy = len(rowFiles) > 0 || len(vectorFiles) > 0

	d.logger.Info("detection complete",
		logging.Int("row_files", len(rowFiles)),
		logging.Int("vector_files", len(vectorFiles)),
		logging.Bool("requires_migration", result.RequiresMigration))

	return result, nil
}

func (d *Detector) scanDir(dir string, kind LegacyKind, magic []byte) ([]LegacyFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []LegacyFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			d.logger.Warn("could not stat candidate file", logging.String("path", path))
			continue
		}

		ok, err := hasMagic(path, magic)
		if err != nil {
			d.logger.Warn("could not read candidate file", logging.String("path", path), logging.Any("error", err.Error()))
			continue
		}

		files = append(files, LegacyFile{
			Path:         path,
			Kind:         kind,
			Size:         info.Size(),
			LastModified: info.ModTime(),
			MagicOK:      ok,
		})
	}
	return files, nil
}

func hasMagic(path string, magic []byte) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, len(magic))
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		// Empty or unreadable file: not a magic match, but not a hard
		// error either. The file is still reported by the caller.
		return false, nil
	}
	if n < len(magic) {
		return false, nil
	}
	for i := range magic {
		if buf[i] != magic[i] {
			return false, nil
		}
	}
	return true, nil
}

// CheckCompatibility runs the pre-migration sanity checks: file readable,
// not zero-length, not larger than a configured upper bound. Files above
// a soft threshold produce warnings, not errors.
func (d *Detector) CheckCompatibility(files []LegacyFile) CompatibilityReport {
	report := CompatibilityReport{Compatible: true}

	for _, f := range files {
		if !f.MagicOK {
			// Wrong magic keeps the file out of the migration set but does
			// not block migrating the files that did match.
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: unrecognized file format, file will be ignored", f.Path))
			continue
		}
		if f.Size == 0 {
			report.Issues = append(report.Issues, fmt.Sprintf("%s: file is zero-length", f.Path))
			report.Compatible = false
			continue
		}
		if f.Size > d.maxFileSizeBytes {
			report.Issues = append(report.Issues, fmt.Sprintf("%s: file exceeds maximum supported size", f.Path))
			report.Compatible = false
			continue
		}
		if f.Size > d.softWarnBytes {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: file is large, migration may take a while", f.Path))
		}
		fh, err := os.Open(f.Path)
		if err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("%s: not readable: %v", f.Path, err))
			report.Compatible = false
			continue
		}
		fh.Close()
	}

	return report
}
