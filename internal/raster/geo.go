package raster

// GeoTransform is an affine pixel-to-map transform in GDAL order:
// originX, pixelWidth, rowRotation, originY, columnRotation, pixelHeight.
type GeoTransform [6]float64

// PixelCenter returns the map coordinates of the center of a pixel
func (g GeoTransform) PixelCenter(row, col int) (x, y float64) {
	c := float64(col) + 0.5
	r := float64(row) + 0.5
	x = g[0] + c*g[1] + r*g[2]
	y = g[3] + c*g[4] + r*g[5]
	return x, y
}

// Georef carries the georeferencing of a raster. Projection is the WKT read
// from a source dataset; EPSG is used when no WKT is known.
type Georef struct {
	Transform  GeoTransform
	Projection string
	EPSG       int
}

const epsgWGS84 = 4326

// NewGeographicGeoref builds WGS84 georeferencing for a raster from its transform
func NewGeographicGeoref(gt GeoTransform) Georef {
	return Georef{Transform: gt, EPSG: epsgWGS84}
}

// IsZero reports whether no georeferencing is set
func (g Georef) IsZero() bool {
	return g.Transform == GeoTransform{} && g.Projection == "" && g.EPSG == 0
}
