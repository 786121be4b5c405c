package image

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// versionPrefix is images/{patient}/{procedure}/{step}/{image}/v{version}.
func versionPrefix(img *Image) string {
	return fmt.Sprintf("images/%s/%s/%s/%s/v%d", img.PatientID, img.ProcedureID, img.StepID, img.ID, img.Version)
}

func renditionKey(img *Image, v Variant, ext string) string {
	return fmt.Sprintf("%s/%s.%s", versionPrefix(img), v, ext)
}

func annotationKey(img *Image) string {
	return versionPrefix(img) + "/annotation.json"
}

// watermarkKey derives the cached watermark key from a rendition key by swapping the
// basename, so each source has exactly one watermarked copy.
func watermarkKey(sourceKey string, v Variant) string {
	return path.Join(path.Dir(sourceKey), fmt.Sprintf("watermarked_%s.jpg", v))
}

// ColdKey is where the archival sweep copies an original:
// archived/{patient}/{procedure}/{YYYY-MM}/images/{image}/v{version}/{basename}, where the
// month is the procedure's creation month.
func ColdKey(img *Image, created time.Time) string {
	return fmt.Sprintf("%s/images/%s/v%d/%s", ColdPrefix(img.PatientID, img.ProcedureID, created), img.ID, img.Version, path.Base(img.OriginalKey))
}

// ColdPrefix is the per-procedure folder in the cold tier.
func ColdPrefix(patientID, procedureID string, created time.Time) string {
	return fmt.Sprintf("archived/%s/%s/%s", patientID, procedureID, created.UTC().Format("2006-01"))
}

// extensionFor picks the stored extension from the file name, falling back to the detected
// format.
func extensionFor(fileName, format string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(fileName), "."))
	if ext != "" {
		return ext
	}
	if format == "jpeg" {
		return "jpg"
	}
	if format != "" {
		return format
	}
	return "bin"
}
