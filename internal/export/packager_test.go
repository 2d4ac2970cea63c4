package export_test

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"climate-video-server/internal/export"
	"climate-video-server/internal/model"
)

func jpegDataURL(payload []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(payload)
}

func completedContent() model.GeneratedContent {
	return model.GeneratedContent{
		CreativePackage: &model.CreativePackage{
			Title:           "Ocean Plastic: The Hidden Cost",
			ThumbnailPrompt: "A wave carrying plastic bottles",
			Scenes: []model.Scene{
				{Visual: "Wave with bottles", Dialogue: "Our oceans are choking."},
				{Visual: "Reusable bottle", Dialogue: "Small changes matter."},
				{Visual: "Clean beach", Dialogue: "Join the movement."},
			},
		},
		ThumbnailURL: jpegDataURL([]byte("thumb-bytes")),
		VideoFrameURLs: []string{
			jpegDataURL([]byte("frame-one")),
			jpegDataURL([]byte("frame-two")),
			jpegDataURL([]byte("frame-three")),
		},
	}
}

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[f.Name] = content
	}
	return files
}

func TestPackager_WritePackage(t *testing.T) {
	p := export.NewPackager(zap.NewNop())
	content := completedContent()

	var buf bytes.Buffer
	require.NoError(t, p.WritePackage(&buf, content))

	files := readArchive(t, buf.Bytes())
	assert.Len(t, files, 5)

	// Сценарий читается обратно без потерь
	var pkg model.CreativePackage
	require.NoError(t, json.Unmarshal(files["script.json"], &pkg))
	assert.Equal(t, *content.CreativePackage, pkg)

	assert.Equal(t, []byte("thumb-bytes"), files["thumbnail.jpeg"])
	assert.Equal(t, []byte("frame-one"), files["video_frames/frame_01.jpeg"])
	assert.Equal(t, []byte("frame-two"), files["video_frames/frame_02.jpeg"])
	assert.Equal(t, []byte("frame-three"), files["video_frames/frame_03.jpeg"])
}

func TestPackager_WritePackageWithoutOptionalParts(t *testing.T) {
	p := export.NewPackager(zap.NewNop())
	content := completedContent()
	content.ThumbnailURL = ""
	content.VideoFrameURLs = nil

	var buf bytes.Buffer
	require.NoError(t, p.WritePackage(&buf, content))

	files := readArchive(t, buf.Bytes())
	assert.Len(t, files, 1)
	assert.Contains(t, files, "script.json")
}

func TestPackager_WritePackageWithoutScript(t *testing.T) {
	p := export.NewPackager(zap.NewNop())

	var buf bytes.Buffer
	err := p.WritePackage(&buf, model.GeneratedContent{})
	assert.ErrorIs(t, err, export.ErrNothingToExport)
}

func TestPackager_BadFrameURLSurfacesError(t *testing.T) {
	p := export.NewPackager(zap.NewNop())
	content := completedContent()
	content.VideoFrameURLs[1] = "https://example.com/not-a-data-url.jpeg"

	var buf bytes.Buffer
	err := p.WritePackage(&buf, content)
	assert.ErrorIs(t, err, export.ErrExportFailed)
	assert.Contains(t, err.Error(), "frame 2")
}

func TestArchiveName(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Ocean Plastic: The Hidden Cost", "ocean_plastic_the_hidden_cost"},
		{"Wind Power NOW!!!", "wind_power_now"},
		{"  spaced   out  ", "spaced_out"},
		{"???", "climate_video_package"},
		{"", "climate_video_package"},
		{"already_safe_name", "already_safe_name"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, export.ArchiveName(tt.title))
		})
	}
}
