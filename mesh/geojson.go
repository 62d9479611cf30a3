package mesh

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature kinds written into the "kind" property.
const (
	KindMean  = "mean"
	KindShape = "shape"
)

// ResultToFeatureCollection projects a result onto the XY plane for quick
// inspection in GeoJSON viewers. Each shape becomes a MultiPoint feature;
// Z coordinates travel in the "z" property so nothing is lost.
func ResultToFeatureCollection(doc *ResultDocument) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	mean := pointsToFeature(doc.MeanShape)
	mean.ID = KindMean
	mean.Properties["kind"] = KindMean
	mean.Properties["runId"] = doc.RunID
	mean.Properties["mode"] = doc.Mode
	mean.Properties["finalDisparity"] = doc.FinalDisparity
	fc.Append(mean)

	for _, s := range doc.Shapes {
		f := pointsToFeature(s.AlignedPoints)
		f.ID = s.ID
		f.Properties["kind"] = KindShape
		f.Properties["scale"] = s.Scale
		f.Properties["residual"] = s.Residual
		fc.Append(f)
	}
	return fc
}

func pointsToFeature(points [][3]float64) *geojson.Feature {
	mp := make(orb.MultiPoint, len(points))
	z := make([]float64, len(points))
	for i, p := range points {
		mp[i] = orb.Point{p[0], p[1]}
		z[i] = p[2]
	}

	f := geojson.NewFeature(mp)
	if len(mp) > 0 {
		f.BBox = geojson.NewBBox(mp.Bound())
	}
	f.Properties["z"] = z
	return f
}
