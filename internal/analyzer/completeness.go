package analyzer

import "math"

// Category weights. The score-derived categories split a stored aggregate
// proportionally; git maturity and contributors derive from raw counts.
const (
	WeightReadme         = 25
	WeightPackageManager = 10
	WeightTests          = 15
	WeightConfig         = 10
	WeightDocs           = 10
	WeightLicense        = 5
	WeightGitMaturity    = 10
	WeightContributors   = 5
	WeightCI             = 10

	maturityCommitCap     = 50
	contributorCap        = 5
	scoreDerivedWeightSum = WeightReadme + WeightPackageManager + WeightTests +
		WeightConfig + WeightDocs + WeightLicense + WeightCI
)

type CategoryScore struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
	Max   int    `json:"max"`
}

// Breakdown derives per-category display scores from a stored aggregate
// completeness score plus raw commit/contributor counts. hasData is false
// when the repository has never been analyzed, which yields an all-zero set.
func Breakdown(score, commitCount, contributorCount int, hasData bool) []CategoryScore {
	categories := []CategoryScore{
		{Name: "readme", Max: WeightReadme},
		{Name: "package_manager", Max: WeightPackageManager},
		{Name: "tests", Max: WeightTests},
		{Name: "configuration", Max: WeightConfig},
		{Name: "documentation", Max: WeightDocs},
		{Name: "license", Max: WeightLicense},
		{Name: "git_maturity", Max: WeightGitMaturity},
		{Name: "contributors", Max: WeightContributors},
		{Name: "ci_cd", Max: WeightCI},
	}
	if !hasData {
		return categories
	}

	for i := range categories {
		switch categories[i].Name {
		case "git_maturity":
			categories[i].Score = maturityScore(commitCount)
		case "contributors":
			categories[i].Score = contributorScore(contributorCount)
		default:
			categories[i].Score = allocate(score, categories[i].Max)
		}
	}
	return categories
}

// allocate splits the aggregate score across a score-derived category in
// proportion to its weight.
func allocate(score, weight int) int {
	if score <= 0 {
		return 0
	}
	if score > 100 {
		score = 100
	}
	earned := float64(score) * float64(weight) / 100.0
	if earned > float64(weight) {
		earned = float64(weight)
	}
	return int(math.Round(earned))
}

func maturityScore(commits int) int {
	if commits <= 0 {
		return 0
	}
	if commits > maturityCommitCap {
		commits = maturityCommitCap
	}
	return int(math.Round(float64(commits) / maturityCommitCap * WeightGitMaturity))
}

func contributorScore(contributors int) int {
	if contributors <= 0 {
		return 0
	}
	if contributors > contributorCap {
		contributors = contributorCap
	}
	return int(math.Round(float64(contributors) / contributorCap * WeightContributors))
}
