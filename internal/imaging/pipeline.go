// Пакет imaging — конвейер производных артефактов.
// Из байтов оригинала определяет размеры изображения и строит превью:
// вписывание в заданный прямоугольник с сохранением пропорций,
// без увеличения, кодирование в JPEG.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	// Регистрация декодеров форматов
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrDecode — данные не удалось декодировать как изображение.
var ErrDecode = errors.New("не удалось декодировать изображение")

// PreviewMimeType — MIME-тип всех превью.
const PreviewMimeType = "image/jpeg"

// Options — параметры конвейера.
type Options struct {
	// MaxWidth, MaxHeight — прямоугольник, в который вписывается превью
	MaxWidth  int
	MaxHeight int
	// Quality — качество JPEG (1..100)
	Quality int
	// MaxPixels — верхняя граница width*height декодируемого изображения
	MaxPixels int64
}

// DefaultOptions — значения по умолчанию: 300×300, качество 80, 50 Мпикс.
func DefaultOptions() Options {
	return Options{
		MaxWidth:  300,
		MaxHeight: 300,
		Quality:   80,
		MaxPixels: 50_000_000,
	}
}

// Derived — результат обработки оригинала.
type Derived struct {
	// MimeType — MIME-тип, определённый по содержимому оригинала
	MimeType        string
	Width           int
	Height          int
	Preview         []byte
	PreviewMimeType string
}

// Pipeline — конвейер производных артефактов. Без состояния,
// безопасен для конкурентного использования.
type Pipeline struct {
	opts Options
}

// New создаёт конвейер. Нулевые поля opts заменяются значениями по умолчанию.
func New(opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = def.MaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = def.MaxHeight
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = def.MaxPixels
	}
	return &Pipeline{opts: opts}
}

// Derive декодирует оригинал и строит превью.
// Ошибки декодирования оборачивают ErrDecode.
func (p *Pipeline) Derive(data []byte) (*Derived, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: нулевые размеры %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > p.opts.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d превышает предел %d пикселей",
			ErrDecode, cfg.Width, cfg.Height, p.opts.MaxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	bounds := src.Bounds()
	w, h := FitInside(bounds.Dx(), bounds.Dy(), p.opts.MaxWidth, p.opts.MaxHeight)

	// Белый фон: JPEG не поддерживает прозрачность
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if w == bounds.Dx() && h == bounds.Dy() {
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: p.opts.Quality}); err != nil {
		return nil, fmt.Errorf("кодирование превью: %w", err)
	}

	return &Derived{
		MimeType:        FormatMimeType(format),
		Width:           bounds.Dx(),
		Height:          bounds.Dy(),
		Preview:         buf.Bytes(),
		PreviewMimeType: PreviewMimeType,
	}, nil
}

// FormatMimeType возвращает MIME-тип по имени формата из image.DecodeConfig.
func FormatMimeType(format string) string {
	return "image/" + format
}

// FitInside вычисляет размеры, вписанные в maxW×maxH с сохранением
// пропорций. Изображения меньше прямоугольника не увеличиваются.
func FitInside(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	// Сравнение w/maxW и h/maxH без деления с плавающей точкой
	if int64(w)*int64(maxH) >= int64(h)*int64(maxW) {
		nh := int(int64(h) * int64(maxW) / int64(w))
		return maxW, max(nh, 1)
	}
	nw := int(int64(w) * int64(maxH) / int64(h))
	return max(nw, 1), maxH
}
