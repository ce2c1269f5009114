package db

import "testing"

func TestMongoDatabaseName(t *testing.T) {
	cases := map[string]string{
		"mongodb://localhost:27017":                      defaultMongoDatabase,
		"mongodb://localhost:27017/":                     defaultMongoDatabase,
		"mongodb://u:p@host:27017/leads?authSource=admin": "leads",
		"mongodb+srv://cluster.example.net/claims":       "claims",
	}
	for uri, want := range cases {
		if got := mongoDatabaseName(uri); got != want {
			t.Errorf("mongoDatabaseName(%q) = %q, want %q", uri, got, want)
		}
	}
}
