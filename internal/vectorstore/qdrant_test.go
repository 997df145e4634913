package vectorstore

import (
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
)

func TestSelectIDs(t *testing.T) {
	sel := selectIDs("a", "b")
	pts, ok := sel.PointsSelectorOneOf.(*pb.PointsSelector_Points)
	if !ok {
		t.Fatalf("selector type %T", sel.PointsSelectorOneOf)
	}
	ids := pts.Points.GetIds()
	if len(ids) != 2 || ids[0].GetUuid() != "a" || ids[1].GetUuid() != "b" {
		t.Errorf("ids = %v", ids)
	}
}

func TestToValues(t *testing.T) {
	vals := toValues(map[string]string{"type": "task"})
	if vals["type"].GetStringValue() != "task" {
		t.Errorf("got %v", vals["type"])
	}
}
