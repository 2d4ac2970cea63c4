package export

import (
	"archive/zip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"climate-video-server/internal/model"
)

// ErrNothingToExport - в пакете нет сценария, выгружать нечего.
var ErrNothingToExport = errors.New("nothing to export")

// ErrExportFailed - сборка архива не удалась.
var ErrExportFailed = errors.New("export failed")

const fallbackArchiveName = "climate_video_package"

var (
	dataURLRe     = regexp.MustCompile(`^data:image/[a-z+.-]+;base64,(.+)$`)
	unsafeCharsRe = regexp.MustCompile(`[^a-z0-9]+`)
	underscoresRe = regexp.MustCompile(`_+`)
)

// Packager собирает ZIP-архив из готовых материалов сессии:
// сценарий, обложка и покадровые изображения видео.
type Packager struct {
	logger *zap.Logger
}

func NewPackager(logger *zap.Logger) *Packager {
	return &Packager{logger: logger}
}

// ArchiveName строит имя архива из названия ролика: нижний регистр,
// только латиница и цифры, пробелы и прочее заменяются подчеркиванием.
// Для пустого результата возвращается запасное имя.
func ArchiveName(title string) string {
	name := strings.ToLower(title)
	name = unsafeCharsRe.ReplaceAllString(name, "_")
	name = underscoresRe.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return fallbackArchiveName
	}
	return name
}

// WritePackage пишет архив в w. Раскладка:
//
//	script.json                 - сценарий с отступами
//	thumbnail.jpeg              - обложка, если есть
//	video_frames/frame_NN.jpeg  - кадры по порядку сцен, если есть
//
// Любая ошибка сборки возвращается вызывающему, частичный архив не считается
// успехом.
func (p *Packager) WritePackage(w io.Writer, content model.GeneratedContent) error {
	if content.CreativePackage == nil {
		return ErrNothingToExport
	}

	zw := zip.NewWriter(w)

	scriptJSON, err := json.MarshalIndent(content.CreativePackage, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal script: %v", ErrExportFailed, err)
	}
	if err := p.addFile(zw, "script.json", scriptJSON); err != nil {
		return err
	}

	if content.ThumbnailURL != "" {
		data, err := decodeImageDataURL(content.ThumbnailURL)
		if err != nil {
			return fmt.Errorf("%w: thumbnail: %v", ErrExportFailed, err)
		}
		if err := p.addFile(zw, "thumbnail.jpeg", data); err != nil {
			return err
		}
	}

	for i, frameURL := range content.VideoFrameURLs {
		data, err := decodeImageDataURL(frameURL)
		if err != nil {
			return fmt.Errorf("%w: frame %d: %v", ErrExportFailed, i+1, err)
		}
		name := fmt.Sprintf("video_frames/frame_%02d.jpeg", i+1)
		if err := p.addFile(zw, name, data); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: close archive: %v", ErrExportFailed, err)
	}

	p.logger.Info("Export package assembled",
		zap.String("title", content.CreativePackage.Title),
		zap.Int("frames", len(content.VideoFrameURLs)),
		zap.Bool("thumbnail", content.ThumbnailURL != ""),
	)
	return nil
}

func (p *Packager) addFile(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrExportFailed, name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrExportFailed, name, err)
	}
	return nil
}

func decodeImageDataURL(url string) ([]byte, error) {
	m := dataURLRe.FindStringSubmatch(url)
	if m == nil {
		return nil, fmt.Errorf("not an image data URL")
	}
	data, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return nil, fmt.Errorf("decode base64: %v", err)
	}
	return data, nil
}
