package cluster_test

import (
	"strings"
	"testing"

	"github.com/opst/jobrunner/pkg/cluster"
	"github.com/opst/jobrunner/pkg/utils/cmp"
)

func TestLabelSelector(t *testing.T) {
	t.Run("when empty LabelSelector is built, it makes empty", func(t *testing.T) {
		testee := cluster.LabelSelector{}
		if testee.QueryString() != "" {
			t.Errorf(`not match: "%s" is not empty`, testee.QueryString())
		}
	})

	t.Run("its QueryString is comma-separated QueryStrings of elements", func(t *testing.T) {
		testee := cluster.LabelSelector{
			"foo":  cluster.EqualityBased("bar"),
			"fizz": cluster.EqualityBased("!=bazz"),
		}
		actual := strings.Split(testee.QueryString(), ",")
		if !cmp.SliceContentEq(actual, []string{"foo=bar", "fizz!=bazz"}) {
			t.Errorf("not match: actual = %v", actual)
		}
	})

	t.Run("JobSelector requires instance and managed-by", func(t *testing.T) {
		actual := cluster.JobSelector("jr-main").QueryString()
		expected := "app.kubernetes.io/instance=jr-main,app.kubernetes.io/managed-by=jobrunner"
		if actual != expected {
			t.Errorf("not match: (actual, expected) = (%s, %s)", actual, expected)
		}
	})

	t.Run("PodSelector requires job-name", func(t *testing.T) {
		if actual := cluster.PodSelector("jr-abcde").QueryString(); actual != "job-name=jr-abcde" {
			t.Errorf("not match: %s", actual)
		}
	})
}

func TestEqualityBased(t *testing.T) {
	for name, testcase := range map[string]struct {
		when string
		then string
	}{
		`when its value has no operator, it means "equality"`: {
			when: "value1", then: "label=value1",
		},
		`when its value is started with =, it means "equality"`: {
			when: "=value2", then: "label=value2",
		},
		`when its value is started with ==, it means "equality"`: {
			when: "==value3", then: "label=value3",
		},
		`when its value is started with !=, it means "inequality"`: {
			when: "!=value4", then: "label!=value4",
		},
	} {
		t.Run(name, func(t *testing.T) {
			actual := cluster.EqualityBased(testcase.when).QueryString("label")
			if actual != testcase.then {
				t.Errorf("not match: (actual, expected) = (`%s`, `%s`)", actual, testcase.then)
			}
		})
	}

	t.Run("it is equal as long as both of operator and value are same", func(t *testing.T) {
		eq := []cluster.EqualityBased{"value", "=value", "==value"}
		neq := []cluster.EqualityBased{"other", "!=value"}
		for _, a := range eq {
			for _, b := range eq {
				if !a.Equal(b) {
					t.Errorf("unexpected: %s != %s", a, b)
				}
			}
			for _, b := range neq {
				if a.Equal(b) || b.Equal(a) {
					t.Errorf("unexpected: %s == %s", a, b)
				}
			}
		}
	})
}
