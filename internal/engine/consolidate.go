package engine

import "examguard/internal/model"

// Consolidate merges the raw detections of one window into at most one finding per
// kind, ordered by kind declaration. The representative box comes from the
// highest-confidence detection, the earliest frame winning ties.
func Consolidate(windowID string, dets []model.RawDetection) []model.ConsolidatedFinding {
	if len(dets) == 0 {
		return nil
	}
	type acc struct {
		count int
		sum   int
		best  *model.RawDetection
	}
	byKind := make(map[model.DetectionKind]*acc)
	for i := range dets {
		d := &dets[i]
		if !d.Kind.Valid() {
			continue
		}
		a, ok := byKind[d.Kind]
		if !ok {
			a = &acc{}
			byKind[d.Kind] = a
		}
		a.count++
		a.sum += d.Confidence
		if a.best == nil ||
			d.Confidence > a.best.Confidence ||
			(d.Confidence == a.best.Confidence && d.SourceFrameIndex < a.best.SourceFrameIndex) {
			a.best = d
		}
	}
	out := make([]model.ConsolidatedFinding, 0, len(byKind))
	for _, kind := range model.Kinds {
		a, ok := byKind[kind]
		if !ok {
			continue
		}
		f := model.ConsolidatedFinding{
			WindowID:        windowID,
			Kind:            kind,
			OccurrenceCount: a.count,
			MaxConfidence:   a.best.Confidence,
			AvgConfidence:   float64(a.sum) / float64(a.count),
		}
		if a.best.BoundingBox != nil {
			box := *a.best.BoundingBox
			f.RepresentativeBox = &box
		}
		out = append(out, f)
	}
	return out
}
