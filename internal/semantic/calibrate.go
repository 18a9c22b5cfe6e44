package semantic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
)

// Pair is one labelled example: Duplicate says whether a cached answer to A
// would be an acceptable answer to B.
type Pair struct {
	A         string `json:"a"`
	B         string `json:"b"`
	Duplicate bool   `json:"duplicate"`
}

// ReadPairs parses JSON Lines. Blank lines are skipped.
func ReadPairs(r io.Reader) ([]Pair, error) {
	var pairs []Pair
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var p Pair
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if p.A == "" || p.B == "" {
			return nil, fmt.Errorf("line %d: both a and b are required", line)
		}
		pairs = append(pairs, p)
	}
	return pairs, sc.Err()
}

// TextEmbedder embeds one text.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Point is the confusion summary at one threshold.
type Point struct {
	Threshold float64 `json:"threshold"`
	TP        int     `json:"tp"`
	FP        int     `json:"fp"`
	FN        int     `json:"fn"`
	TN        int     `json:"tn"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Distances embeds both sides of each pair and returns their cosine distance.
func Distances(ctx context.Context, emb TextEmbedder, pairs []Pair) ([]float64, error) {
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		a, err := emb.Embed(ctx, p.A)
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		b, err := emb.Embed(ctx, p.B)
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		out[i] = 1 - cosine(a, b)
	}
	return out, nil
}

// Calibrate evaluates the hit rule at each threshold against the labels.
// distances[i] belongs to pairs[i].
func Calibrate(pairs []Pair, distances []float64, thresholds []float64) []Point {
	points := make([]Point, 0, len(thresholds))
	for _, th := range thresholds {
		p := Point{Threshold: th}
		for i, pair := range pairs {
			hit := IsHit(distances[i], th)
			switch {
			case hit && pair.Duplicate:
				p.TP++
			case hit && !pair.Duplicate:
				p.FP++
			case !hit && pair.Duplicate:
				p.FN++
			default:
				p.TN++
			}
		}
		if p.TP+p.FP > 0 {
			p.Precision = float64(p.TP) / float64(p.TP+p.FP)
		}
		if p.TP+p.FN > 0 {
			p.Recall = float64(p.TP) / float64(p.TP+p.FN)
		}
		if p.Precision+p.Recall > 0 {
			p.F1 = 2 * p.Precision * p.Recall / (p.Precision + p.Recall)
		}
		points = append(points, p)
	}
	return points
}

// Sweep returns thresholds from lo to hi inclusive in steps of step.
func Sweep(lo, hi, step float64) []float64 {
	if step <= 0 || hi < lo {
		return nil
	}
	var out []float64
	for i := 0; ; i++ {
		v := math.Round((lo+float64(i)*step)*1e6) / 1e6
		if v > hi+1e-9 {
			break
		}
		out = append(out, v)
	}
	return out
}

// Best returns the point with the highest F1, preferring the lower threshold
// on ties.
func Best(points []Point) (Point, bool) {
	if len(points) == 0 {
		return Point{}, false
	}
	best := points[0]
	for _, p := range points[1:] {
		if p.F1 > best.F1 {
			best = p
		}
	}
	return best, true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
