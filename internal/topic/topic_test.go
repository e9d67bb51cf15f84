package topic_test

import (
	"testing"

	"github.com/skywalkerx28/chatM-sub000/internal/topic"
)

func TestDeterminism(t *testing.T) {
	course := topic.CourseTag("comp", "251", "winter2026")
	session := topic.SessionTag("2026-01-12", "0935", "TROTTIER", "1080")
	a := topic.CourseTopic("mcgill.ca", course, session)
	b := topic.CourseTopic("mcgill.ca", topic.CourseTag("COMP", "251", "WINTER2026"), session)
	if a != b {
		t.Fatalf("case-folded course inputs produced different ids:\n%s\n%s", a, b)
	}
	if a != topic.CourseTopic("mcgill.ca", course, session) {
		t.Fatalf("repeated derivation produced a different id")
	}
}

func TestPrefixMatchesCampus(t *testing.T) {
	id := topic.GeneralTopic("mcgill.ca")
	if id.Prefix() != topic.CampusPrefix("mcgill.ca") {
		t.Fatalf("general topic prefix does not match campus prefix")
	}
	if id.Prefix() == topic.CampusPrefix("concordia.ca") {
		t.Fatalf("distinct campuses share a prefix")
	}
}

func TestDistinctness(t *testing.T) {
	depts := []string{"COMP", "MATH", "PHYS", "CHEM", "ECON"}
	numbers := []string{"101", "202", "303", "404"}
	terms := []string{"FALL2025", "WINTER2026", "SUMMER2026"}
	session := topic.SessionTag("2026-01-12", "0935", "TROTTIER", "1080")

	seen := make(map[topic.ID]string)
	add := func(id topic.ID, desc string) {
		if prev, ok := seen[id]; ok {
			t.Fatalf("collision between %q and %q", prev, desc)
		}
		seen[id] = desc
	}
	for _, d := range depts {
		for _, n := range numbers {
			for _, term := range terms {
				add(topic.CourseTopic("mcgill.ca", topic.CourseTag(d, n, term), session), d+n+term)
			}
		}
	}
	add(topic.AnnouncementsTopic("mcgill.ca"), "announcements")
	add(topic.GeneralTopic("mcgill.ca"), "general")
	add(topic.BroadcastTopic("mcgill.ca"), "broadcast")
	add(topic.CommunityTopic("mcgill.ca", "chess-club"), "chess-club")
	add(topic.DMTopic("mcgill.ca", "alice@mcgill.ca", "bob@mcgill.ca"), "dm alice/bob")
	add(topic.DMTopic("mcgill.ca", "alice@mcgill.ca", "carol@mcgill.ca"), "dm alice/carol")
	add(topic.GeneralTopic("concordia.ca"), "general other campus")
	if len(seen) < 60 {
		t.Fatalf("expected at least 60 rooms, got %d", len(seen))
	}
}

func TestDMSymmetry(t *testing.T) {
	ab := topic.DMTopic("mcgill.ca", "alice@mcgill.ca", "bob@mcgill.ca")
	ba := topic.DMTopic("mcgill.ca", "bob@mcgill.ca", "alice@mcgill.ca")
	if ab != ba {
		t.Fatalf("dm topic depends on initiator:\n%s\n%s", ab, ba)
	}
}
