package extract_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/extract"
	"github.com/Sumatoshi-tech/lineage/pkg/reconcile"
	"github.com/Sumatoshi-tech/lineage/pkg/remote"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
	"github.com/Sumatoshi-tech/lineage/pkg/vcs/vcstest"
)

func extractor(t *testing.T, name string) extract.Extractor {
	t.Helper()

	for _, e := range extract.Defaults() {
		if e.Name() == name {
			return e
		}
	}

	require.Failf(t, "no extractor", "%s", name)

	return nil
}

func TestExtractorsFindImports(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		lines []string
		want  []string
	}{
		{
			name:  "go",
			lines: []string{`import "fmt"`, `	"github.com/spf13/cobra"`, `	log "log/slog"`, `	x := "not an import",`, `"fmt"`},
			want:  []string{"fmt", "github.com/spf13/cobra", "log/slog"},
		},
		{
			name:  "swift",
			lines: []string{"import UIKit", "import Foundation", "let x = 1", "import UIKit"},
			want:  []string{"UIKit", "Foundation"},
		},
		{
			name:  "python",
			lines: []string{"import numpy as np", "from os.path import join", "import requests.adapters", "x = 1"},
			want:  []string{"numpy", "os", "requests"},
		},
		{
			name: "typescript",
			lines: []string{
				`import React from "react";`,
				`import { a } from '@scope/pkg/sub';`,
				`const x = require("lodash/fp");`,
				`import "./local";`,
			},
			want: []string{"react", "@scope/pkg", "lodash"},
		},
		{
			name:  "java",
			lines: []string{"import java.util.List;", "import static org.junit.Assert.assertEquals;"},
			want:  []string{"java.util.List", "org.junit.Assert.assertEquals"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, extractor(t, tt.name).Extract(tt.lines))
		})
	}
}

func TestExtractorsIdentify(t *testing.T) {
	t.Parallel()

	assert.True(t, extractor(t, "go").Identify("cmd/main.go"))
	assert.False(t, extractor(t, "go").Identify("main.gox"))
	assert.True(t, extractor(t, "kotlin").Identify("build.gradle.kts"))
	assert.True(t, extractor(t, "typescript").Identify("App.TSX"))
	assert.True(t, extractor(t, "swift").Identify("Sources/App.swift"))
}

func TestLanguage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "go", extract.Language("pkg/x.go", nil))
	assert.Equal(t, "python", extract.Language("setup.py", nil))
	assert.Empty(t, extract.Language("vendor/github.com/x/y.go", nil))
	assert.Empty(t, extract.Language("node_modules/react/index.js", nil))
}

func commitOf(t *testing.T, repo *vcstest.Repo, id string) reconcile.Commit {
	t.Helper()

	var found vcs.Commit

	err := repo.WalkParents(context.Background(), id, func(c vcs.Commit) error {
		found = c

		return vcs.ErrStopWalk
	})
	require.NoError(t, err)

	return reconcile.Commit{Commit: found, Hash: "h-" + id, HashVersion: 1}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	repo.Commit("a@x.io", 100,
		vcstest.Write("main.go", vcstest.Lines("package main", "", "func main() {}")),
		vcstest.Write("app.py", vcstest.Lines("print(1)")),
	)
	c2 := repo.Commit("a@x.io", 200,
		vcstest.Write("main.go", vcstest.Lines("package main", "", `import "fmt"`, "", "func main() { fmt.Println() }")),
		vcstest.Remove("app.py"),
		vcstest.Write("logo.png", "\x89PNG\x00"),
		vcstest.Write("vendor/lib/lib.go", vcstest.Lines("package lib")),
	)

	stats, err := extract.Build(context.Background(), repo, commitOf(t, repo, c2), extract.Defaults())
	require.NoError(t, err)

	assert.Equal(t, "h-"+c2, stats.Commit)
	assert.Equal(t, []remote.Stat{
		{Language: "go", LinesAdded: 3, LinesDeleted: 1},
		{Language: "go", Technology: "fmt", LinesAdded: 3},
		{Language: "python", LinesDeleted: 1},
	}, stats.Stats)
}

func TestBuildCountsRemovedImports(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	repo.Commit("a@x.io", 100, vcstest.Write("app.py", vcstest.Lines("import numpy as np", "x = 1")))
	c2 := repo.Commit("a@x.io", 200, vcstest.Write("app.py", vcstest.Lines("x = 1")))

	stats, err := extract.Build(context.Background(), repo, commitOf(t, repo, c2), extract.Defaults())
	require.NoError(t, err)

	assert.Equal(t, []remote.Stat{
		{Language: "python", LinesDeleted: 1},
		{Language: "python", Technology: "numpy", LinesDeleted: 1},
	}, stats.Stats)
}

func TestBuildReportsParentReadFailure(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("a.go", vcstest.Lines("package a", "var x = 1")))
	c2 := repo.Commit("a@x.io", 200, vcstest.Write("a.go", vcstest.Lines("package a")))
	repo.FailBlob(c1, "a.go")

	_, err := extract.Build(context.Background(), repo, commitOf(t, repo, c2), extract.Defaults())
	require.ErrorIs(t, err, vcstest.ErrInjected)
}

func TestBuildRootCommit(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("Main.swift", vcstest.Lines("import UIKit", "let x = 1")))

	stats, err := extract.Build(context.Background(), repo, commitOf(t, repo, c1), extract.Defaults())
	require.NoError(t, err)

	assert.Equal(t, []remote.Stat{
		{Language: "swift", LinesAdded: 2},
		{Language: "swift", Technology: "UIKit", LinesAdded: 2},
	}, stats.Stats)
}

func TestBuildReportsReadFailure(t *testing.T) {
	t.Parallel()

	repo := vcstest.New()
	c1 := repo.Commit("a@x.io", 100, vcstest.Write("a.go", "package a\n"))
	repo.FailBlob(c1, "a.go")

	_, err := extract.Build(context.Background(), repo, commitOf(t, repo, c1), extract.Defaults())
	require.ErrorIs(t, err, vcstest.ErrInjected)
}
