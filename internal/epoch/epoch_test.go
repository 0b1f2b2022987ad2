package epoch

import (
	"testing"
	"time"
)

func TestFromTimeReportsDroppedFraction(t *testing.T) {
	ts := time.Date(2024, 3, 9, 12, 30, 15, 750_000_000, time.UTC)
	secs, dropped := FromTime(ts)
	if secs != ts.Unix() {
		t.Fatalf("expected %d, got %d", ts.Unix(), secs)
	}
	if dropped != 750*time.Millisecond {
		t.Fatalf("expected 750ms dropped, got %s", dropped)
	}
	if got := ToTime(secs); !got.Equal(ts.Truncate(time.Second)) {
		t.Fatalf("round trip mismatch: %s vs %s", got, ts.Truncate(time.Second))
	}
}

func TestFromTimeFloorsBeforeEpoch(t *testing.T) {
	ts := time.Unix(-10, 500_000_000)
	secs, dropped := FromTime(ts)
	if secs != -10 || dropped != 500*time.Millisecond {
		t.Fatalf("expected -10 and 500ms, got %d and %s", secs, dropped)
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2023, 11, 14, 22, 13, 20, 123456000, time.UTC)
	cases := []string{
		"2023-11-14T22:13:20.123456Z",
		"2023-11-14 22:13:20.123456",
		"2023-11-14 22:13:20.123456+00",
		"2023-11-14 23:13:20.123456+01:00",
		"2023-11-14T22:13:20.123456",
	}
	for _, raw := range cases {
		got, err := ParseTimestamp(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: expected %s, got %s", raw, want, got)
		}
	}
	got, err := ParseTimestamp("1700000000")
	if err != nil {
		t.Fatalf("parse epoch seconds: %v", err)
	}
	if got.Unix() != 1_700_000_000 {
		t.Fatalf("expected epoch seconds passthrough, got %d", got.Unix())
	}
	for _, bad := range []string{"", "yesterday", "2023-13-40 99:99:99"} {
		if _, err := ParseTimestamp(bad); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
}

func TestConvertLegacyValue(t *testing.T) {
	secs, dropped, err := Convert("2023-11-14 22:13:20.5")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if secs != 1_700_000_000 || dropped != 500*time.Millisecond {
		t.Fatalf("expected 1700000000 and 500ms, got %d and %s", secs, dropped)
	}
}

func FuzzEpochRoundTrip(f *testing.F) {
	f.Add(int64(0), int64(0))
	f.Add(int64(1_700_000_000), int64(999_999_999))
	f.Add(int64(-86_400), int64(1))
	f.Add(int64(253_402_300_799), int64(500_000_000))
	f.Fuzz(func(t *testing.T, secs, nanos int64) {
		// Keep years within what the legacy text layout can express.
		const minSecs, maxSecs = -62_135_596_800, 253_402_300_799
		if secs < minSecs || secs > maxSecs {
			secs = secs % maxSecs
			if secs < minSecs {
				secs = minSecs
			}
		}
		if nanos < 0 {
			nanos = -nanos
		}
		nanos %= int64(time.Second)
		ts := time.Unix(secs, nanos).UTC()

		got, dropped := FromTime(ts)
		if !ToTime(got).Add(dropped).Equal(ts) {
			t.Fatalf("seconds %d + dropped %s does not rebuild %s", got, dropped, ts)
		}
		if !ToTime(got).Equal(ts.Truncate(time.Second)) {
			t.Fatalf("round trip of %s yields %s", ts, ToTime(got))
		}

		parsed, err := ParseTimestamp(FormatTimestamp(ts))
		if err != nil {
			t.Fatalf("parse formatted %s: %v", ts, err)
		}
		if !parsed.Equal(ts.Truncate(time.Microsecond)) {
			t.Fatalf("text round trip of %s yields %s", ts, parsed)
		}
		viaText, _, err := Convert(FormatTimestamp(ts))
		if err != nil {
			t.Fatalf("convert: %v", err)
		}
		if viaText != got {
			t.Fatalf("text conversion %d differs from direct %d", viaText, got)
		}
	})
}
