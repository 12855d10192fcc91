package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/irys/internal/ocr"
)

func TestImaging(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Imaging Suite")
}

func sample() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	return img
}

var _ = Describe("ToPNG", func() {
	It("should pass PNG data through untouched", func() {
		var buf bytes.Buffer
		Expect(png.Encode(&buf, sample())).To(Succeed())

		out, err := ToPNG(buf.Bytes(), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(buf.Bytes()))
	})

	It("should convert JPEG to PNG", func() {
		var buf bytes.Buffer
		Expect(jpeg.Encode(&buf, sample(), nil)).To(Succeed())

		out, err := ToPNG(buf.Bytes(), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
		Expect(format).To(Equal("png"))
		Expect(cfg.Width).To(Equal(4))
	})

	It("should report garbage as unreadable", func() {
		_, err := ToPNG([]byte("not an image"), "image/jpeg")
		Expect(err).To(MatchError(ocr.ErrUnreadableImage))
	})

	It("should report a corrupt PNG as unreadable", func() {
		_, err := ToPNG([]byte("\x89PNG\r\n\x1a\nbroken"), "image/png")
		Expect(err).To(MatchError(ocr.ErrUnreadableImage))
	})

	It("should recognize HEIC by brand or type", func() {
		Expect(isHEICFormat(append([]byte{0, 0, 0, 24}, []byte("ftypmif1")...))).To(BeTrue())
		Expect(isHEICFormat([]byte("short"))).To(BeFalse())
		Expect(isHEICMimeType("image/heif")).To(BeTrue())
	})
})
