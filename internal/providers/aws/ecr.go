// ABOUTME: Amazon ECR image scanner that turns ECR scan results into findings.
// ABOUTME: Handles cross-account role assumption and paginates basic and enhanced (Inspector) scan findings.

package aws

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"

	"github.com/jfeddern/RiskRelay/internal/types"
)

const (
	// AssumeRoleEnv names a role to assume before calling ECR
	AssumeRoleEnv = "AWS_IAM_ASSUME_ROLE_ARN"

	// DefaultCrossAccountRole is assumed when the caller runs in another account
	DefaultCrossAccountRole = "RiskRelayECRReadRole"

	findingsPageSize = 1000
)

// ECRSource implements ImageScanner for Amazon ECR
type ECRSource struct {
	client    ecr.DescribeImageScanFindingsAPIClient
	accountID string
	region    string
	logger    *logrus.Logger
}

// NewECRSource creates an ECR scanner for the registry of accountID in region
func NewECRSource(ctx context.Context, accountID, region string, logger *logrus.Logger) (*ECRSource, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if roleARN := resolveRoleARN(ctx, sts.NewFromConfig(cfg.Copy()), accountID, logger); roleARN != "" {
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg.Copy()), roleARN))
	}

	return NewECRSourceWithClient(ecr.NewFromConfig(cfg), accountID, region, logger), nil
}

// NewECRSourceWithClient creates an ECR scanner on top of an existing client
func NewECRSourceWithClient(client ecr.DescribeImageScanFindingsAPIClient, accountID, region string, logger *logrus.Logger) *ECRSource {
	return &ECRSource{
		client:    client,
		accountID: accountID,
		region:    region,
		logger:    logger,
	}
}

// callerIdentity is the part of STS used to decide on role assumption
type callerIdentity interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// resolveRoleARN returns the role to assume, or "" to keep the default
// credentials. An explicit AWS_IAM_ASSUME_ROLE_ARN wins; otherwise a
// cross-account role is assumed when the caller lives in another account.
func resolveRoleARN(ctx context.Context, identity callerIdentity, accountID string, logger *logrus.Logger) string {
	if roleARN := os.Getenv(AssumeRoleEnv); roleARN != "" {
		logger.WithField("role_arn", roleARN).Info("Assuming role from " + AssumeRoleEnv)
		return roleARN
	}

	out, err := identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		logger.WithError(err).Warn("Could not get caller identity, proceeding with default credentials")
		return ""
	}

	currentAccountID := aws.ToString(out.Account)
	logger.WithFields(logrus.Fields{
		"current_account": currentAccountID,
		"target_account":  accountID,
	}).Info("AWS identity information")

	if currentAccountID == accountID {
		return ""
	}

	roleARN := fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, DefaultCrossAccountRole)
	logger.WithField("role_arn", roleARN).Info("Assuming cross-account role")
	return roleARN
}

// Name returns the scanner name
func (e *ECRSource) Name() string {
	return "aws-ecr"
}

// GetImageFindings returns one finding per vulnerable package reported by the
// latest ECR scan of imageURI
func (e *ECRSource) GetImageFindings(ctx context.Context, imageURI string) ([]types.Finding, error) {
	ref, err := types.ParseImageURI(imageURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image URI: %w", err)
	}

	logger := e.logger.WithFields(logrus.Fields{
		"image_uri":  imageURI,
		"repository": ref.Repository,
		"tag":        ref.Tag,
	})

	imageID := &ecrtypes.ImageIdentifier{}
	if ref.Digest != "" {
		imageID.ImageDigest = aws.String(ref.Digest)
	} else {
		imageID.ImageTag = aws.String(ref.Tag)
	}

	input := &ecr.DescribeImageScanFindingsInput{
		RepositoryName: aws.String(ref.Repository),
		ImageId:        imageID,
		MaxResults:     aws.Int32(findingsPageSize),
	}
	if e.accountID != "" {
		input.RegistryId = aws.String(e.accountID)
	}

	var findings []types.Finding
	var basic, enhanced int
	var scanStatus string

	paginator := ecr.NewDescribeImageScanFindingsPaginator(e.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			logger.WithError(err).Error("Failed to describe image scan findings")
			return nil, fmt.Errorf("failed to describe image scan findings for %s: %w", imageURI, err)
		}

		if page.ImageScanStatus != nil {
			scanStatus = string(page.ImageScanStatus.Status)
			if page.ImageScanStatus.Status == ecrtypes.ScanStatusFailed {
				return nil, fmt.Errorf("ECR scan failed for %s: %s", imageURI, aws.ToString(page.ImageScanStatus.Description))
			}
		}
		if page.ImageScanFindings == nil {
			continue
		}

		for _, finding := range page.ImageScanFindings.Findings {
			findings = append(findings, fromBasicFinding(finding, imageURI))
			basic++
		}
		for _, finding := range page.ImageScanFindings.EnhancedFindings {
			findings = append(findings, fromEnhancedFinding(finding, imageURI)...)
			enhanced++
		}
	}

	logger.WithFields(logrus.Fields{
		"scan_status":             scanStatus,
		"basic_findings_count":    basic,
		"enhanced_findings_count": enhanced,
		"findings":                len(findings),
	}).Info("Retrieved image scan findings")

	return findings, nil
}

// fromBasicFinding converts a basic (Clair based) scan finding. The CVE id is
// the finding name and package details live in attributes.
func fromBasicFinding(finding ecrtypes.ImageScanFinding, imageURI string) types.Finding {
	f := types.Finding{
		ID:          aws.ToString(finding.Name),
		Severity:    types.ParseSeverity(string(finding.Severity)),
		Description: aws.ToString(finding.Description),
		Source:      imageURI,
	}

	for _, attr := range finding.Attributes {
		value := aws.ToString(attr.Value)
		switch aws.ToString(attr.Key) {
		case "package_name":
			f.Package = value
		case "package_version":
			f.Version = value
		case "CVSS3_VECTOR":
			f.CVSSVector = value
		case "CVSS2_VECTOR":
			if f.CVSSVector == "" {
				f.CVSSVector = value
			}
		case "CVSS3_SCORE", "CVSS2_SCORE":
			if score, err := strconv.ParseFloat(value, 64); err == nil && f.CVSSScore == nil {
				f.CVSSScore = &score
			}
		}
	}
	return f
}

// fromEnhancedFinding converts an Inspector finding, producing one finding per
// vulnerable package
func fromEnhancedFinding(finding ecrtypes.EnhancedImageScanFinding, imageURI string) []types.Finding {
	base := types.Finding{
		Severity:    types.ParseSeverity(aws.ToString(finding.Severity)),
		Description: aws.ToString(finding.Description),
		Source:      imageURI,
	}
	if base.Description == "" {
		base.Description = aws.ToString(finding.Title)
	}

	details := finding.PackageVulnerabilityDetails
	if details == nil {
		base.ID = titleID(aws.ToString(finding.Title))
		return []types.Finding{base}
	}

	base.ID = aws.ToString(details.VulnerabilityId)
	if score, vector, ok := preferredCVSS(details.Cvss); ok {
		base.CVSSScore = &score
		base.CVSSVector = vector
	}

	if len(details.VulnerablePackages) == 0 {
		return []types.Finding{base}
	}

	findings := make([]types.Finding, 0, len(details.VulnerablePackages))
	for _, pkg := range details.VulnerablePackages {
		f := base
		f.Package = aws.ToString(pkg.Name)
		f.Version = aws.ToString(pkg.Version)
		f.Ecosystem = aws.ToString(pkg.PackageManager)
		if fixed := aws.ToString(pkg.FixedInVersion); fixed != "" && fixed != "NotAvailable" {
			f.Remediation = &types.Remediation{FixedVersion: fixed, Source: "ecr"}
		}
		if f.CVSSScore != nil {
			score := *f.CVSSScore
			f.CVSSScore = &score
		}
		findings = append(findings, f)
	}
	return findings
}

// preferredCVSS picks the newest CVSS version reported
func preferredCVSS(scores []ecrtypes.CvssScore) (float64, string, bool) {
	var best *ecrtypes.CvssScore
	for i := range scores {
		if best == nil || aws.ToString(scores[i].Version) > aws.ToString(best.Version) {
			best = &scores[i]
		}
	}
	if best == nil {
		return 0, "", false
	}
	return best.BaseScore, aws.ToString(best.ScoringVector), true
}

// titleID extracts "CVE-2023-4863" from titles like "CVE-2023-4863 - libwebp"
func titleID(title string) string {
	id, _, _ := strings.Cut(strings.TrimSpace(title), " ")
	return id
}
