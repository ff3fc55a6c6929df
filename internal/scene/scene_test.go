package scene

import (
	"fmt"
	"testing"
)

func bandFile(band string, aid int, date string) string {
	return fmt.Sprintf("ECO_L2T_LSTE.002_%s_doy%s_aid%04d.tif", band, date, aid)
}

func TestExtractKey_Valid(t *testing.T) {
	name := "ECO_L2T_LSTE.002_LST_doy2024203153045_aid0007.tif"

	key, ok := ExtractKey(name)
	if !ok {
		t.Fatal("Expected key to be extracted")
	}
	if key.RegionID != 7 {
		t.Errorf("Expected region 7, got %d", key.RegionID)
	}
	if key.Date != "2024203153045" {
		t.Errorf("Expected date 2024203153045, got %s", key.Date)
	}
	if key.String() != "7_2024203153045" {
		t.Errorf("Expected scene id 7_2024203153045, got %s", key.String())
	}
}

func TestExtractKey_MissingComponents(t *testing.T) {
	if _, ok := ExtractRegionID("ECO_LST_doy2024203153045.tif"); ok {
		t.Error("Expected no region id without aid token")
	}
	if _, ok := ExtractDate("ECO_LST_aid0001.tif"); ok {
		t.Error("Expected no date without doy token")
	}
	// 12 digits is not a date token
	if _, ok := ExtractDate("ECO_LST_doy202420315304_aid0001.tif"); ok {
		t.Error("Expected short date token to be rejected")
	}
	if _, ok := ExtractKey("ECO_LST_doy2024203153045.tif"); ok {
		t.Error("Expected key extraction to fail without region")
	}
	if _, ok := ExtractKey("ECO_LST_aid0001.tif"); ok {
		t.Error("Expected key extraction to fail without date")
	}
}

func TestExtractRegionID_ZeroIsPresent(t *testing.T) {
	id, ok := ExtractRegionID("x_aid0000_doy2024203153045.tif")
	if !ok {
		t.Fatal("Expected aid0000 to be a present token")
	}
	if id != 0 {
		t.Errorf("Expected 0, got %d", id)
	}
}

func TestExtractKey_UsesBaseName(t *testing.T) {
	name := "aid0009_doy1111111111111/ECO_L2T_LSTE.002_QC_doy2024203153045_aid0002.tif"
	key, ok := ExtractKey(name)
	if !ok {
		t.Fatal("Expected key")
	}
	if key.RegionID != 2 || key.Date != "2024203153045" {
		t.Errorf("Expected key from base name, got %+v", key)
	}
}

func TestMatchBand(t *testing.T) {
	cases := map[string]Band{
		bandFile("LST", 1, "2024203153045"):     BandLST,
		bandFile("LST_err", 1, "2024203153045"): BandLSTErr,
		bandFile("QC", 1, "2024203153045"):      BandQC,
		bandFile("water", 1, "2024203153045"):   BandWater,
		bandFile("cloud", 1, "2024203153045"):   BandCloud,
		bandFile("EmisWB", 1, "2024203153045"):  BandEmisWB,
		bandFile("height", 1, "2024203153045"):  BandHeight,
	}
	for name, want := range cases {
		got, ok := MatchBand(name)
		if !ok {
			t.Errorf("Expected %s to match a band", name)
			continue
		}
		if got != want {
			t.Errorf("Expected %s for %s, got %s", want, name, got)
		}
	}

	if _, ok := MatchBand("ECO_L2T_LSTE.002_view_zenith_doy2024203153045_aid0001.tif"); ok {
		t.Error("Expected unrelated layer not to match")
	}
}

func TestGroup_PartitionsByKey(t *testing.T) {
	entries := []ManifestEntry{
		{FileID: "a", FileName: bandFile("LST", 1, "2024203153045")},
		{FileID: "b", FileName: bandFile("LST", 2, "2024203153045")},
		{FileID: "c", FileName: "README.md"},
		{FileID: "d", FileName: bandFile("QC", 1, "2024203153045")},
		{FileID: "e", FileName: bandFile("QC", 1, "2024204010101")},
		{FileID: "f", FileName: "ECO_L2T_LSTE.002_QC_aid0001.tif"},
	}

	g := Group(entries)

	if g.Len() != 3 {
		t.Fatalf("Expected 3 scenes, got %d", g.Len())
	}
	if g.Skipped != 2 {
		t.Errorf("Expected 2 skipped entries, got %d", g.Skipped)
	}

	first := g.Buckets()[0]
	if first.Key.String() != "1_2024203153045" {
		t.Errorf("Expected first bucket 1_2024203153045, got %s", first.Key)
	}
	if len(first.Files) != 2 || first.Files[0].FileID != "a" || first.Files[1].FileID != "d" {
		t.Errorf("Expected bucket members [a d] in order, got %+v", first.Files)
	}

	// every groupable entry lands in exactly one bucket
	seen := make(map[string]int)
	for _, b := range g.Buckets() {
		for _, f := range b.Files {
			seen[f.FileID]++
			key, _ := ExtractKey(f.FileName)
			if key != b.Key {
				t.Errorf("Entry %s in wrong bucket %s", f.FileID, b.Key)
			}
		}
	}
	for _, id := range []string{"a", "b", "d", "e"} {
		if seen[id] != 1 {
			t.Errorf("Expected %s exactly once, got %d", id, seen[id])
		}
	}
	if seen["c"] != 0 || seen["f"] != 0 {
		t.Error("Ungroupable entries must not be bucketed")
	}
}

func TestGroup_Deterministic(t *testing.T) {
	var entries []ManifestEntry
	for i := 0; i < 20; i++ {
		entries = append(entries, ManifestEntry{
			FileID:   fmt.Sprintf("f%d", i),
			FileName: bandFile("LST", i%4+1, "2024203153045"),
		})
	}

	a := Group(entries)
	b := Group(entries)

	if a.Len() != b.Len() {
		t.Fatalf("Expected equal scene counts, got %d and %d", a.Len(), b.Len())
	}
	for i := range a.Buckets() {
		ba, bb := a.Buckets()[i], b.Buckets()[i]
		if ba.Key != bb.Key || len(ba.Files) != len(bb.Files) {
			t.Fatalf("Bucket %d differs between runs", i)
		}
		for j := range ba.Files {
			if ba.Files[j] != bb.Files[j] {
				t.Errorf("Bucket %d member %d differs", i, j)
			}
		}
	}
}

func TestGroup_StripsDirectories(t *testing.T) {
	g := Group([]ManifestEntry{
		{FileID: "x", FileName: "ECO_L2T_LSTE.002/" + bandFile("cloud", 3, "2024203153045")},
	})
	b, ok := g.Get(Key{RegionID: 3, Date: "2024203153045"})
	if !ok {
		t.Fatal("Expected bucket for region 3")
	}
	if b.Files[0].FileName != bandFile("cloud", 3, "2024203153045") {
		t.Errorf("Expected base name, got %s", b.Files[0].FileName)
	}
}
