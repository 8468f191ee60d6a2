// Package model declares the course-business warehouse layout: which
// entities are historized, how they project into dimensions, and how the
// sales fact is assembled. The merge and star packages are generic over
// these specs; only this package knows the domain.
package model

import "coursedw/internal/warehouse"

// Audit tags of the known feeds. The merge engine treats them as opaque;
// they only need to be distinct and stable.
const (
	SourceRelational = 1
	SourceFileFeed   = 2
)

// UnattributedTrafficKey is the surrogate key of the seeded traffic-source
// row that sales without any user_traffic attribution resolve to.
const UnattributedTrafficKey = -1

// Warehouse returns the full model. The optional onMissing map overrides the
// per-entity deletion policy for natural keys absent from a new snapshot
// (default "keep": an absent key leaves its current version open).
func Warehouse(onMissing map[string]string) warehouse.Model {
	m := warehouse.Model{
		Entities: []warehouse.EntitySpec{
			{
				Name:       "users",
				Table:      "wh_users",
				PKColumn:   "user_sk",
				NaturalKey: warehouse.Column{Name: "user_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "first_name", Type: "text"},
					{Name: "last_name", Type: "text"},
					{Name: "email", Type: "text"},
					{Name: "phone", Type: "text", Nullable: true},
					{Name: "country", Type: "text", Nullable: true},
					{Name: "registered_at", Type: "timestamptz"},
				},
				DateAttrs: []string{"registered_at"},
			},
			{
				Name:       "sales_managers",
				Table:      "wh_sales_managers",
				PKColumn:   "sales_manager_sk",
				NaturalKey: warehouse.Column{Name: "manager_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "first_name", Type: "text"},
					{Name: "last_name", Type: "text"},
					{Name: "email", Type: "text"},
					{Name: "hired_at", Type: "timestamptz"},
				},
				DateAttrs: []string{"hired_at"},
			},
			{
				Name:       "courses",
				Table:      "wh_courses",
				PKColumn:   "course_sk",
				NaturalKey: warehouse.Column{Name: "course_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "title", Type: "text"},
					{Name: "subject", Type: "text"},
					{Name: "description", Type: "text", Nullable: true},
					{Name: "price_in_rubbles", Type: "bigint"},
					{Name: "category", Type: "text", Nullable: true},
					{Name: "sub_category", Type: "text", Nullable: true},
					{Name: "created_at", Type: "timestamptz"},
				},
				DateAttrs: []string{"created_at"},
			},
			{
				Name:       "enrollments",
				Table:      "wh_enrollments",
				PKColumn:   "enrollment_sk",
				NaturalKey: warehouse.Column{Name: "enrollment_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "user_id", Type: "bigint"},
					{Name: "course_id", Type: "bigint"},
					{Name: "enrolled_at", Type: "timestamptz"},
					{Name: "status", Type: "text"},
				},
				DateAttrs: []string{"enrolled_at"},
			},
			{
				Name:       "sales",
				Table:      "wh_sales",
				PKColumn:   "sale_sk",
				NaturalKey: warehouse.Column{Name: "sale_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "enrollment_id", Type: "bigint"},
					{Name: "user_id", Type: "bigint"},
					{Name: "course_id", Type: "bigint"},
					{Name: "manager_id", Type: "bigint"},
					{Name: "sale_date", Type: "timestamptz"},
					{Name: "cost_in_rubbles", Type: "bigint"},
				},
				DateAttrs: []string{"sale_date"},
			},
			{
				Name:       "traffic_sources",
				Table:      "wh_traffic_sources",
				PKColumn:   "traffic_source_sk",
				NaturalKey: warehouse.Column{Name: "source_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "name", Type: "text"},
					{Name: "channel", Type: "text"},
					{Name: "details", Type: "text", Nullable: true},
				},
			},
			{
				// Multi-source: the relational feed and the CSV feed both
				// snapshot user_traffic, merged independently per audit tag.
				Name:       "user_traffic",
				Table:      "wh_user_traffic",
				PKColumn:   "user_traffic_sk",
				NaturalKey: warehouse.Column{Name: "user_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "source_id", Type: "bigint"},
					{Name: "referred_at", Type: "timestamptz"},
					{Name: "campaign_code", Type: "text", Nullable: true},
				},
				DateAttrs: []string{"referred_at"},
			},
		},
		Dimensions: []warehouse.DimensionSpec{
			{
				Name:            "dim_user",
				Entity:          "users",
				SurrogateColumn: "user_key",
				KeyColumn:       "user_id",
				Columns: []warehouse.DimColumn{
					{Target: "first_name", Attr: "first_name", Type: "text"},
					{Target: "last_name", Attr: "last_name", Type: "text"},
					{Target: "email", Attr: "email", Type: "text"},
					{Target: "country", Attr: "country", Type: "text"},
					{Target: "signup_date", Attr: "registered_at", Type: "timestamptz"},
				},
			},
			{
				Name:            "dim_course",
				Entity:          "courses",
				SurrogateColumn: "course_key",
				KeyColumn:       "course_id",
				Columns: []warehouse.DimColumn{
					{Target: "title", Attr: "title", Type: "text"},
					{Target: "subject", Attr: "subject", Type: "text"},
					{Target: "price_in_rubbles", Attr: "price_in_rubbles", Type: "bigint"},
					{Target: "category", Attr: "category", Type: "text"},
					{Target: "sub_category", Attr: "sub_category", Type: "text"},
				},
			},
			{
				Name:            "dim_sales_manager",
				Entity:          "sales_managers",
				SurrogateColumn: "sales_manager_key",
				KeyColumn:       "manager_id",
				Columns: []warehouse.DimColumn{
					{Target: "first_name", Attr: "first_name", Type: "text"},
					{Target: "last_name", Attr: "last_name", Type: "text"},
					{Target: "email", Attr: "email", Type: "text"},
					{Target: "hired_at", Attr: "hired_at", Type: "timestamptz"},
				},
			},
			{
				Name:            "dim_traffic_source",
				Entity:          "traffic_sources",
				SurrogateColumn: "traffic_source_key",
				KeyColumn:       "source_id",
				Columns: []warehouse.DimColumn{
					{Target: "name", Attr: "name", Type: "text"},
					{Target: "channel", Attr: "channel", Type: "text"},
				},
				Seed: []warehouse.SeedRow{
					{
						Surrogate: UnattributedTrafficKey,
						Key:       int64(-1),
						Values:    []any{"unattributed", "none"},
					},
				},
			},
		},
		Fact: warehouse.FactSpec{
			Table:  "fact_sales",
			Entity: "sales",
			Columns: []warehouse.FactColumn{
				{Target: "sale_id", Type: "bigint", Attr: "sale_id"},
				{Target: "user_key", Type: "bigint", Lookup: &warehouse.FactLookup{
					Dimension: "dim_user", Attr: "user_id",
				}},
				{Target: "course_key", Type: "bigint", Lookup: &warehouse.FactLookup{
					Dimension: "dim_course", Attr: "course_id",
				}},
				{Target: "sales_manager_key", Type: "bigint", Lookup: &warehouse.FactLookup{
					Dimension: "dim_sales_manager", Attr: "manager_id",
				}},
				{Target: "traffic_source_key", Type: "bigint", Lookup: &warehouse.FactLookup{
					Dimension: "dim_traffic_source",
					Bridge: &warehouse.BridgeSpec{
						Entity:     "user_traffic",
						MatchAttr:  "user_id",
						ReturnAttr: "source_id",
						OrderAttr:  "referred_at",
					},
					Default: int64Ptr(UnattributedTrafficKey),
				}},
				{Target: "date_key", Type: "bigint", DateKey: "sale_date"},
				{Target: "total_in_rubbles", Type: "bigint", Attr: "cost_in_rubbles"},
				{Target: "enrollment_count", Type: "bigint", Const: int64(1)},
			},
		},
		Date: warehouse.DateSpec{
			Table:      "dim_date",
			KeyColumn:  "date_key",
			DateColumn: "date",
		},
	}

	for i := range m.Entities {
		if policy, ok := onMissing[m.Entities[i].Name]; ok {
			m.Entities[i].OnMissing = policy
		}
	}
	return m
}

func int64Ptr(v int64) *int64 { return &v }
