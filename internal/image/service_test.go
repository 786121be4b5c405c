package image_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	goimage "image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/blob"
	"github.com/pranav-miglani/dental-record/internal/blob/blobtest"
	"github.com/pranav-miglani/dental-record/internal/image"
	"github.com/pranav-miglani/dental-record/internal/imaging"
	"github.com/pranav-miglani/dental-record/internal/persist"
	"github.com/pranav-miglani/dental-record/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc    *image.Service
	repo   *persist.Images
	active *blobtest.Faulty
	cold   *blob.Memory
	mem    *blob.Memory
}

func newFixture(t *testing.T, opts ...image.Option) *fixture {
	t.Helper()
	mem := blob.NewMemory("images")
	f := &fixture{
		repo:   persist.NewImages(store.NewMemory()),
		active: blobtest.NewFaulty(mem),
		cold:   blob.NewMemory("archive"),
		mem:    mem,
	}
	n := 0
	opts = append([]image.Option{
		image.WithClock(func() time.Time { return testNow }),
		image.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("img-%d", n)
		}),
	}, opts...)
	f.svc = image.NewService(f.repo, blob.Tiers{Active: f.active, Cold: f.cold}, image.DefaultConfig(), nil, opts...)
	return f
}

func pngFile(t *testing.T, name string, w, h int) image.File {
	t.Helper()
	img := goimage.NewRGBA(goimage.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 3), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return image.File{Name: name, MimeType: "image/png", Data: buf.Bytes()}
}

// pngHeader returns a PNG signature and IHDR chunk for a w×h grayscale image with no pixel
// data. Only the header can be read from it.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 17)
	copy(ihdr, "IHDR")
	binary.BigEndian.PutUint32(ihdr[4:], w)
	binary.BigEndian.PutUint32(ihdr[8:], h)
	ihdr[12] = 8 // bit depth; color type, compression, filter and interlace stay 0

	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, 13)
	out = append(out, ihdr...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(ihdr))
}

func (f *fixture) upload(t *testing.T, files ...image.File) []*image.Image {
	t.Helper()
	imgs, err := f.svc.Upload(context.Background(), image.UploadRequest{
		PatientID: "patient-1", ProcedureID: "proc-1", StepID: "step-1", UploadedBy: "dr-a", Files: files,
	})
	require.NoError(t, err)
	return imgs
}

func TestUploadStoresRenditions(t *testing.T) {
	f := newFixture(t)
	imgs := f.upload(t, pngFile(t, "xray.png", 1600, 1200))
	require.Len(t, imgs, 1)
	img := imgs[0]

	assert.Equal(t, int64(1), img.Version)
	assert.True(t, img.IsCurrent)
	assert.Equal(t, 1600, img.Width)
	assert.Equal(t, 1200, img.Height)
	assert.Equal(t, "images/patient-1/proc-1/step-1/img-1/v1/original.png", img.OriginalKey)
	assert.Equal(t, "images/patient-1/proc-1/step-1/img-1/v1/thumbnail_200.jpg", img.ThumbnailSmallKey)

	for key, wantW := range map[string]int{img.ThumbnailSmallKey: 200, img.ThumbnailLargeKey: 800} {
		data, err := f.mem.Get(context.Background(), key)
		require.NoError(t, err)
		w, h, _, err := imaging.Dimensions(data)
		require.NoError(t, err)
		assert.Equal(t, wantW, w)
		assert.Equal(t, wantW*3/4, h)
	}
	assert.Equal(t, "image/png", f.mem.ContentType(img.OriginalKey))
}

func TestUploadRejectsBadFilesAndPersistsNothing(t *testing.T) {
	tests := []struct {
		name string
		file func(t *testing.T) image.File
	}{
		{"zero bytes", func(*testing.T) image.File {
			return image.File{Name: "empty.png", MimeType: "image/png"}
		}},
		{"non-image mime", func(t *testing.T) image.File {
			f := pngFile(t, "notes.pdf", 10, 10)
			f.MimeType = "application/pdf"
			return f
		}},
		{"undecodable", func(*testing.T) image.File {
			return image.File{Name: "fake.jpg", MimeType: "image/jpeg", Data: []byte("not really a jpeg")}
		}},
		{"oversized", func(*testing.T) image.File {
			return image.File{Name: "huge.jpg", MimeType: "image/jpeg", Data: make([]byte, 10<<20+1)}
		}},
		{"too many pixels", func(*testing.T) image.File {
			return image.File{Name: "panorama.png", MimeType: "image/png", Data: pngHeader(20000, 20000)}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Upload(context.Background(), image.UploadRequest{
				PatientID: "patient-1", ProcedureID: "proc-1", StepID: "step-1", UploadedBy: "dr-a",
				Files: []image.File{pngFile(t, "good.png", 20, 20), tt.file(t)},
			})
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

			assert.Empty(t, f.mem.Keys())
			page, err := f.repo.ListByStep(context.Background(), "step-1", image.ListOptions{})
			require.NoError(t, err)
			assert.Empty(t, page.Images)
		})
	}
}

type locator struct{}

func (locator) LocateStep(_ context.Context, stepID string) (string, string, error) {
	if stepID != "step-9" {
		return "", "", apperr.NotFound("ProcedureStep", stepID)
	}
	return "proc-9", "patient-9", nil
}

func TestUploadEnforcesPixelBudget(t *testing.T) {
	tests := []struct {
		name      string
		maxPixels int64
		file      image.File
		wantErr   string
	}{
		{"header over default budget", 0, image.File{Name: "scan.png", MimeType: "image/png", Data: pngHeader(20000, 20000)}, "20000x20000 pixels"},
		{"decodable image over budget", 1000, pngFile(t, "xray.png", 40, 30), "over the limit of 1000"},
		{"exactly at budget", 1200, pngFile(t, "xray.png", 40, 30), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := image.DefaultConfig()
			if tt.maxPixels > 0 {
				cfg.MaxPixels = tt.maxPixels
			}
			mem := blob.NewMemory("images")
			svc := image.NewService(persist.NewImages(store.NewMemory()), blob.Tiers{Active: mem, Cold: blob.NewMemory("archive")}, cfg, nil)

			imgs, err := svc.Upload(context.Background(), image.UploadRequest{
				PatientID: "patient-1", ProcedureID: "proc-1", StepID: "step-1", UploadedBy: "dr-a",
				Files: []image.File{tt.file},
			})
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Len(t, imgs, 1)
				return
			}
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Empty(t, mem.Keys())
		})
	}
}

func TestUploadResolvesStepOwner(t *testing.T) {
	f := newFixture(t, image.WithStepLocator(locator{}))

	imgs, err := f.svc.Upload(context.Background(), image.UploadRequest{
		StepID: "step-9", UploadedBy: "dr-a", Files: []image.File{pngFile(t, "a.png", 8, 8)},
	})
	require.NoError(t, err)
	assert.Equal(t, "proc-9", imgs[0].ProcedureID)
	assert.Equal(t, "patient-9", imgs[0].PatientID)

	_, err = f.svc.Upload(context.Background(), image.UploadRequest{
		StepID: "step-0", UploadedBy: "dr-a", Files: []image.File{pngFile(t, "a.png", 8, 8)},
	})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestReplaceKeepsEveryVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, pngFile(t, "v1.png", 40, 30))[0].ID

	const replacements = 4
	for i := 0; i < replacements; i++ {
		next, err := f.svc.Replace(ctx, image.ReplaceRequest{
			ImageID: id, UploadedBy: "dr-b", File: pngFile(t, fmt.Sprintf("v%d.png", i+2), 40+i, 30),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+2), next.Version)
	}

	versions, err := f.svc.ListVersions(ctx, id)
	require.NoError(t, err)
	require.Len(t, versions, replacements+1)

	var current []int64
	originals := map[string]bool{}
	for _, v := range versions {
		if v.IsCurrent {
			current = append(current, v.Version)
		}
		originals[v.OriginalKey] = true
		exists, err := f.mem.Exists(ctx, v.OriginalKey)
		require.NoError(t, err)
		assert.True(t, exists, "original of v%d is gone", v.Version)
	}
	assert.Equal(t, []int64{replacements + 1}, current)
	assert.Len(t, originals, replacements+1)

	cur, err := f.svc.Get(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(replacements+1), cur.Version)
	assert.Equal(t, "dr-b", cur.UploadedBy)
}

func TestReplaceDoesNotCarryAnnotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, pngFile(t, "v1.png", 40, 30))[0].ID

	_, err := f.svc.Annotate(ctx, id, 1, image.Annotation{Text: []image.TextLabel{{Text: "caries", FontSize: 12, Color: "#f00"}}})
	require.NoError(t, err)

	next, err := f.svc.Replace(ctx, image.ReplaceRequest{ImageID: id, UploadedBy: "dr-a", File: pngFile(t, "v2.png", 40, 30)})
	require.NoError(t, err)
	assert.False(t, next.HasAnnotation)
	assert.Empty(t, next.AnnotationKey)

	v1, err := f.svc.Get(ctx, id, 1)
	require.NoError(t, err)
	assert.True(t, v1.HasAnnotation)
	assert.False(t, v1.IsCurrent)
}

func TestReplaceUnknownImage(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Replace(context.Background(), image.ReplaceRequest{
		ImageID: "missing", UploadedBy: "dr-a", File: pngFile(t, "x.png", 4, 4),
	})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestReplaceBlobFailureLeavesPreviousCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, pngFile(t, "v1.png", 40, 30))[0].ID

	f.active.PutFault = func(key string) error {
		if strings.Contains(key, "/v2/") {
			return errors.New("bucket unavailable")
		}
		return nil
	}
	_, err := f.svc.Replace(ctx, image.ReplaceRequest{ImageID: id, UploadedBy: "dr-a", File: pngFile(t, "v2.png", 40, 30)})
	require.Error(t, err)

	cur, err := f.svc.Get(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Version)

	// the claimed version is retired and the next replace moves past it
	f.active.PutFault = nil
	next, err := f.svc.Replace(ctx, image.ReplaceRequest{ImageID: id, UploadedBy: "dr-a", File: pngFile(t, "v3.png", 40, 30)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Version)
}

func TestAnnotationsArePerVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, pngFile(t, "v1.png", 40, 30))[0].ID
	for i := 0; i < 2; i++ {
		_, err := f.svc.Replace(ctx, image.ReplaceRequest{ImageID: id, UploadedBy: "dr-a", File: pngFile(t, "v.png", 40, 30)})
		require.NoError(t, err)
	}

	radius := 12.0
	ann := image.Annotation{Shapes: []image.Shape{{Type: image.ShapeCircle, X: 10, Y: 10, Radius: &radius, Color: "red"}}}
	_, err := f.svc.Annotate(ctx, id, 2, ann)
	require.NoError(t, err)

	for _, v := range []int64{1, 3} {
		got, err := f.svc.GetAnnotation(ctx, id, v)
		require.NoError(t, err)
		assert.Nil(t, got, "version %d", v)
	}
	got, err := f.svc.GetAnnotation(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, &ann, got)

	_, err = f.svc.RemoveAnnotation(ctx, id, 2)
	require.NoError(t, err)
	got, err = f.svc.GetAnnotation(ctx, id, 2)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAnnotateRejectsInvalidShapes(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, pngFile(t, "v1.png", 10, 10))[0].ID

	_, err := f.svc.Annotate(context.Background(), id, 1, image.Annotation{Shapes: []image.Shape{{Type: "polygon"}}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.Annotate(context.Background(), id, 1, image.Annotation{Shapes: []image.Shape{{Type: image.ShapeCircle}}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestWatermarkIsRenderedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.upload(t, pngFile(t, "photo.png", 400, 300))[0]

	req := image.ViewRequest{ImageID: img.ID, Variant: image.VariantThumbnailLarge, Watermark: true, PatientName: "Jane Doe", Tooth: "36"}
	first, err := f.svc.ViewURL(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.ViewURL(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour), first.ExpiresAt)
	assert.Contains(t, first.URL, "/v1/watermarked_thumbnail_800.jpg")
	assert.Contains(t, second.URL, "/v1/watermarked_thumbnail_800.jpg")

	var watermarkPuts int
	for _, key := range f.active.Puts() {
		if strings.Contains(key, "watermarked_") {
			watermarkPuts++
		}
	}
	assert.Equal(t, 1, watermarkPuts)

	_, err = f.svc.ViewURL(ctx, image.ViewRequest{ImageID: img.ID, Watermark: true})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestWatermarkText(t *testing.T) {
	assert.Equal(t, "Patient: Jane | Date: 2024-03-14 | Tooth: 11", image.WatermarkText("Jane", testNow, "11"))
	assert.Equal(t, "Patient: Jane | Date: 2024-03-14", image.WatermarkText("Jane", testNow, ""))
}

func TestViewPlainVariant(t *testing.T) {
	f := newFixture(t)
	img := f.upload(t, pngFile(t, "photo.png", 40, 30))[0]

	view, err := f.svc.ViewURL(context.Background(), image.ViewRequest{ImageID: img.ID, Variant: image.VariantThumbnailSmall})
	require.NoError(t, err)
	assert.Contains(t, view.URL, "thumbnail_200.jpg")
}

func TestCompressedDownloadDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.upload(t, pngFile(t, "scan.png", 64, 48))[0]

	putsBefore := len(f.active.Puts())
	before, err := f.svc.Get(ctx, img.ID, 0)
	require.NoError(t, err)

	dl, err := f.svc.Download(ctx, img.ID, 0, true)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", dl.MimeType)
	assert.Equal(t, "scan.jpg", dl.FileName)
	_, _, format, err := imaging.Dimensions(dl.Data)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	after, err := f.svc.Get(ctx, img.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, f.active.Puts(), putsBefore)

	plain, err := f.svc.Download(ctx, img.ID, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "image/png", plain.MimeType)
	assert.Equal(t, "scan.png", plain.FileName)
}

func TestSoftDeletePromotesAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, pngFile(t, "v1.png", 10, 10))[0].ID
	_, err := f.svc.Replace(ctx, image.ReplaceRequest{ImageID: id, UploadedBy: "dr-a", File: pngFile(t, "v2.png", 10, 10)})
	require.NoError(t, err)

	deleted, err := f.svc.SoftDelete(ctx, id, 2)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	exists, err := f.mem.Exists(ctx, deleted.OriginalKey)
	require.NoError(t, err)
	assert.True(t, exists, "soft delete keeps the blob")

	cur, err := f.svc.Get(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Version)

	_, err = f.svc.SoftDelete(ctx, id, 1)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, id, 0)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	restored, err := f.svc.Restore(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted)
	assert.True(t, restored.IsCurrent)

	// restoring v2 while v1 is current leaves v1 current
	_, err = f.svc.Restore(ctx, id, 2)
	require.NoError(t, err)
	cur, err = f.svc.Get(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Version)
}

func TestArchivedOriginalIsReadFromColdTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.upload(t, pngFile(t, "old.png", 10, 10))[0]

	data, err := f.mem.Get(ctx, img.OriginalKey)
	require.NoError(t, err)
	coldKey := image.ColdKey(img, testNow)
	_, err = f.cold.Put(ctx, coldKey, data, "image/png")
	require.NoError(t, err)
	require.NoError(t, f.mem.Delete(ctx, img.OriginalKey))

	img.ArchivedKey = coldKey
	require.NoError(t, f.repo.Update(ctx, img))

	dl, err := f.svc.Download(ctx, img.ID, 0, false)
	require.NoError(t, err)
	assert.Equal(t, data, dl.Data)

	view, err := f.svc.ViewURL(ctx, image.ViewRequest{ImageID: img.ID})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(view.URL, "memory://archive/archived/patient-1/proc-1/2024-03/images/"))
}

func TestRestoreRefusesVersionWithoutOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, pngFile(t, "v1.png", 40, 30))[0].ID

	f.active.PutFault = func(key string) error {
		if strings.Contains(key, "/v2/") {
			return errors.New("bucket unavailable")
		}
		return nil
	}
	_, err := f.svc.Replace(ctx, image.ReplaceRequest{ImageID: id, UploadedBy: "dr-a", File: pngFile(t, "v2.png", 40, 30)})
	require.Error(t, err)
	f.active.PutFault = nil

	_, err = f.svc.Restore(ctx, id, 2)
	assert.True(t, apperr.Is(err, apperr.KindIllegalState), "got %v", err)

	retired, err := f.repo.Get(ctx, id, 2)
	require.NoError(t, err)
	assert.True(t, retired.IsDeleted)

	// deleting v1 leaves no version to promote rather than the empty v2
	_, err = f.svc.SoftDelete(ctx, id, 1)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, id, 0)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPromotionSkipsVersionWithMissingOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, pngFile(t, "v1.png", 10, 10))[0].ID
	v2, err := f.svc.Replace(ctx, image.ReplaceRequest{ImageID: id, UploadedBy: "dr-a", File: pngFile(t, "v2.png", 10, 10)})
	require.NoError(t, err)
	v3, err := f.svc.Replace(ctx, image.ReplaceRequest{ImageID: id, UploadedBy: "dr-a", File: pngFile(t, "v3.png", 10, 10)})
	require.NoError(t, err)

	require.NoError(t, f.mem.Delete(ctx, v2.OriginalKey))
	_, err = f.svc.SoftDelete(ctx, id, v3.Version)
	require.NoError(t, err)

	cur, err := f.svc.Get(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Version)
}

func TestRegenerateThumbnails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.upload(t, pngFile(t, "x.png", 900, 300))[0]
	require.NoError(t, f.mem.Delete(ctx, img.ThumbnailSmallKey))

	_, err := f.svc.RegenerateThumbnails(ctx, img.ID, 1)
	require.NoError(t, err)

	data, err := f.mem.Get(ctx, img.ThumbnailSmallKey)
	require.NoError(t, err)
	w, h, _, err := imaging.Dimensions(data)
	require.NoError(t, err)
	assert.Equal(t, 200, w)
	assert.Equal(t, 66, h)
}
