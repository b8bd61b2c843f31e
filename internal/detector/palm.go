package detector

import (
	"context"
	"math"

	"github.com/example/palmid/internal/frame"
	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
)

// Config tunes the reference detector.
type Config struct {
	// GridSize is the number of luminance cells along the longer frame side.
	GridSize int
	// MinCoverage and MaxCoverage bound the fraction of the frame the palm
	// component may cover.
	MinCoverage float64
	MaxCoverage float64
	// MinContrast is the minimum foreground/background luminance gap as a
	// fraction of full scale.
	MinContrast float64
}

// DefaultConfig returns the settings used for 640x480 IR-lit captures.
func DefaultConfig() Config {
	return Config{
		GridSize:    64,
		MinCoverage: 0.04,
		MaxCoverage: 0.85,
		MinContrast: 0.12,
	}
}

const descriptorSide = 8

// Palm is the reference detector. It segments the brightest connected blob of
// a luminance grid, gates it on coverage and contrast and describes it with a
// normalized 8x8 luminance signature.
type Palm struct {
	cfg Config
}

// NewPalm returns a detector with cfg, filling unset fields from DefaultConfig.
func NewPalm(cfg Config) *Palm {
	def := DefaultConfig()
	if cfg.GridSize <= 0 {
		cfg.GridSize = def.GridSize
	}
	if cfg.MinCoverage <= 0 {
		cfg.MinCoverage = def.MinCoverage
	}
	if cfg.MaxCoverage <= 0 || cfg.MaxCoverage > 1 {
		cfg.MaxCoverage = def.MaxCoverage
	}
	if cfg.MinContrast <= 0 {
		cfg.MinContrast = def.MinContrast
	}
	return &Palm{cfg: cfg}
}

type grid struct {
	cell   int
	w, h   int
	values []float64
}

func (g *grid) at(x, y int) float64 { return g.values[y*g.w+x] }

// Detect implements Detector.
func (p *Palm) Detect(ctx context.Context, buf *frame.Buffer) (palm.Detection, error) {
	if buf.Released() {
		return palm.NoPalm(), palmerr.New(palmerr.KindInvalidHandle, "frame buffer already released")
	}
	if err := ctx.Err(); err != nil {
		return palm.NoPalm(), palmerr.Wrap(palmerr.KindCancelled, "detect", err)
	}

	g := p.luminanceGrid(buf)
	thr, ok := otsu(g.values)
	if !ok {
		return palm.NoPalm(), nil
	}

	comp := largestComponent(g, thr)
	total := len(g.values)
	coverage := float64(len(comp)) / float64(total)
	if coverage < p.cfg.MinCoverage || coverage > p.cfg.MaxCoverage {
		return palm.NoPalm(), nil
	}

	inComp := make([]bool, total)
	var fgSum float64
	for _, idx := range comp {
		inComp[idx] = true
		fgSum += g.values[idx]
	}
	var bgSum float64
	for i, v := range g.values {
		if !inComp[i] {
			bgSum += v
		}
	}
	fgMean := fgSum / float64(len(comp))
	bgMean := 0.0
	if bg := total - len(comp); bg > 0 {
		bgMean = bgSum / float64(bg)
	}
	contrast := (fgMean - bgMean) / 255
	if contrast < p.cfg.MinContrast {
		return palm.NoPalm(), nil
	}

	region := palm.Region{
		Quad:     cornerQuad(g, comp, buf.Width(), buf.Height()),
		Quality:  quality(contrast, sharpness(g, inComp, comp)),
		Features: describe(g, comp),
	}
	return palm.Detected(region), nil
}

func (p *Palm) luminanceGrid(buf *frame.Buffer) *grid {
	w, h := buf.Width(), buf.Height()
	cell := max(1, max(w, h)/p.cfg.GridSize)
	g := &grid{
		cell: cell,
		w:    (w + cell - 1) / cell,
		h:    (h + cell - 1) / cell,
	}
	g.values = make([]float64, g.w*g.h)
	for gy := 0; gy < g.h; gy++ {
		for gx := 0; gx < g.w; gx++ {
			var sum, n int
			for y := gy * cell; y < min((gy+1)*cell, h); y++ {
				for x := gx * cell; x < min((gx+1)*cell, w); x++ {
					sum += int(buf.Luma(x, y))
					n++
				}
			}
			g.values[gy*g.w+gx] = float64(sum) / float64(n)
		}
	}
	return g
}

// otsu returns the threshold maximizing between-class variance. It reports
// false for a flat grid.
func otsu(values []float64) (float64, bool) {
	var hist [256]int
	for _, v := range values {
		hist[int(math.Round(v))]++
	}
	total := len(values)
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i * c)
	}

	var sumB float64
	var wB int
	best, bestVar := -1, 0.0
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sumAll - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > bestVar {
			bestVar, best = between, t
		}
	}
	if best < 0 {
		return 0, false
	}
	return float64(best) + 0.5, true
}

// largestComponent returns the cell indices of the biggest 4-connected region
// above thr, in scan order of discovery. Ties keep the first region found.
func largestComponent(g *grid, thr float64) []int {
	seen := make([]bool, len(g.values))
	var best []int
	stack := make([]int, 0, 64)
	for start, v := range g.values {
		if seen[start] || v <= thr {
			continue
		}
		var comp []int
		stack = append(stack[:0], start)
		seen[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, idx)
			x, y := idx%g.w, idx/g.w
			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if n[0] < 0 || n[1] < 0 || n[0] >= g.w || n[1] >= g.h {
					continue
				}
				ni := n[1]*g.w + n[0]
				if !seen[ni] && g.values[ni] > thr {
					seen[ni] = true
					stack = append(stack, ni)
				}
			}
		}
		if len(comp) > len(best) {
			best = comp
		}
	}
	return best
}

func cornerQuad(g *grid, comp []int, width, height int) palm.Quad {
	tl, tr, br, bl := comp[0], comp[0], comp[0], comp[0]
	score := func(idx int) (sum, diff int) {
		x, y := idx%g.w, idx/g.w
		return x + y, x - y
	}
	for _, idx := range comp {
		s, d := score(idx)
		if ts, _ := score(tl); s < ts || (s == ts && idx < tl) {
			tl = idx
		}
		if bs, _ := score(br); s > bs || (s == bs && idx < br) {
			br = idx
		}
		if _, td := score(tr); d > td || (d == td && idx < tr) {
			tr = idx
		}
		if _, bd := score(bl); d < bd || (d == bd && idx < bl) {
			bl = idx
		}
	}
	corner := func(idx, dx, dy int) palm.Point {
		x := min((idx%g.w+dx)*g.cell, width)
		y := min((idx/g.w+dy)*g.cell, height)
		return palm.Point{X: float64(x), Y: float64(y)}
	}
	return palm.Quad{
		A: corner(tl, 0, 0),
		B: corner(tr, 1, 0),
		C: corner(br, 1, 1),
		D: corner(bl, 0, 1),
	}
}

// sharpness is the mean luminance step between neighbouring palm cells,
// scaled to [0, 1].
func sharpness(g *grid, inComp []bool, comp []int) float64 {
	var sum float64
	var n int
	for _, idx := range comp {
		x := idx % g.w
		if x+1 < g.w && inComp[idx+1] {
			sum += math.Abs(g.values[idx] - g.values[idx+1])
			n++
		}
		if idx+g.w < len(g.values) && inComp[idx+g.w] {
			sum += math.Abs(g.values[idx] - g.values[idx+g.w])
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Min(1, sum/float64(n)/16)
}

func quality(contrast, sharp float64) float64 {
	return math.Min(1, contrast*2) * (0.5 + 0.5*sharp)
}

// describe samples the component's bounding box into an 8x8 luminance
// signature, removes its mean and scales it to unit length.
func describe(g *grid, comp []int) []float32 {
	minX, minY := g.w, g.h
	maxX, maxY := -1, -1
	for _, idx := range comp {
		x, y := idx%g.w, idx/g.w
		minX, maxX = min(minX, x), max(maxX, x)
		minY, maxY = min(minY, y), max(maxY, y)
	}
	bw, bh := maxX-minX+1, maxY-minY+1

	raw := make([]float64, descriptorSide*descriptorSide)
	var mean float64
	for j := 0; j < descriptorSide; j++ {
		y0 := minY + j*bh/descriptorSide
		y1 := max(y0+1, minY+(j+1)*bh/descriptorSide)
		for i := 0; i < descriptorSide; i++ {
			x0 := minX + i*bw/descriptorSide
			x1 := max(x0+1, minX+(i+1)*bw/descriptorSide)
			var sum float64
			var n int
			for y := y0; y < min(y1, g.h); y++ {
				for x := x0; x < min(x1, g.w); x++ {
					sum += g.at(x, y)
					n++
				}
			}
			v := sum / float64(max(n, 1))
			raw[j*descriptorSide+i] = v
			mean += v
		}
	}
	mean /= float64(len(raw))

	var norm float64
	for i := range raw {
		raw[i] -= mean
		norm += raw[i] * raw[i]
	}
	norm = math.Sqrt(norm)

	out := make([]float32, palm.FeatureSize)
	if norm < 1e-9 {
		return out
	}
	for i, v := range raw {
		out[i] = float32(v / norm)
	}
	return out
}
