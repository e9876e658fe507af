// ABOUTME: Tests for the ECR image scanner.
// ABOUTME: Uses a fake scan findings client to cover pagination, basic and enhanced findings and role selection.

package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfeddern/RiskRelay/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// fakeECR serves pages in order, keyed by the incoming NextToken
type fakeECR struct {
	pages  map[string]*ecr.DescribeImageScanFindingsOutput
	err    error
	inputs []*ecr.DescribeImageScanFindingsInput
}

func (f *fakeECR) DescribeImageScanFindings(_ context.Context, params *ecr.DescribeImageScanFindingsInput, _ ...func(*ecr.Options)) (*ecr.DescribeImageScanFindingsOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[aws.ToString(params.NextToken)]
	if !ok {
		return nil, errors.New("unexpected token")
	}
	return page, nil
}

const testImage = "123456789012.dkr.ecr.us-east-1.amazonaws.com/team/web-app:v1.2.3"

func basicFinding(cve, severity, pkg, version string, attrs ...ecrtypes.Attribute) ecrtypes.ImageScanFinding {
	attributes := append([]ecrtypes.Attribute{
		{Key: aws.String("package_name"), Value: aws.String(pkg)},
		{Key: aws.String("package_version"), Value: aws.String(version)},
	}, attrs...)
	return ecrtypes.ImageScanFinding{
		Name:        aws.String(cve),
		Severity:    ecrtypes.FindingSeverity(severity),
		Description: aws.String(cve + " description"),
		Attributes:  attributes,
	}
}

func TestECRSourceName(t *testing.T) {
	source := NewECRSourceWithClient(&fakeECR{}, "123456789012", "us-east-1", testLogger())
	assert.Equal(t, "aws-ecr", source.Name())
}

func TestGetImageFindingsBasicPaginated(t *testing.T) {
	client := &fakeECR{pages: map[string]*ecr.DescribeImageScanFindingsOutput{
		"": {
			ImageScanStatus: &ecrtypes.ImageScanStatus{Status: ecrtypes.ScanStatusComplete},
			ImageScanFindings: &ecrtypes.ImageScanFindings{Findings: []ecrtypes.ImageScanFinding{
				basicFinding("CVE-2023-4863", "HIGH", "libwebp", "1.2.4",
					ecrtypes.Attribute{Key: aws.String("CVSS2_VECTOR"), Value: aws.String("AV:N/AC:M/Au:N/C:P/I:P/A:P")},
					ecrtypes.Attribute{Key: aws.String("CVSS2_SCORE"), Value: aws.String("6.8")},
				),
			}},
			NextToken: aws.String("page-2"),
		},
		"page-2": {
			ImageScanFindings: &ecrtypes.ImageScanFindings{Findings: []ecrtypes.ImageScanFinding{
				basicFinding("CVE-2022-37434", "CRITICAL", "zlib", "1.2.12"),
			}},
		},
	}}

	source := NewECRSourceWithClient(client, "123456789012", "us-east-1", testLogger())
	findings, err := source.GetImageFindings(context.Background(), testImage)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	require.Len(t, client.inputs, 2)
	first := client.inputs[0]
	assert.Equal(t, "team/web-app", aws.ToString(first.RepositoryName))
	assert.Equal(t, "v1.2.3", aws.ToString(first.ImageId.ImageTag))
	assert.Equal(t, "123456789012", aws.ToString(first.RegistryId))
	assert.Equal(t, "page-2", aws.ToString(client.inputs[1].NextToken))

	webp := findings[0]
	assert.Equal(t, "CVE-2023-4863", webp.ID)
	assert.Equal(t, "libwebp", webp.Package)
	assert.Equal(t, "1.2.4", webp.Version)
	assert.Equal(t, types.SeverityHigh, webp.Severity)
	assert.Equal(t, "AV:N/AC:M/Au:N/C:P/I:P/A:P", webp.CVSSVector)
	require.NotNil(t, webp.CVSSScore)
	assert.Equal(t, 6.8, *webp.CVSSScore)
	assert.Equal(t, testImage, webp.Source)

	assert.Equal(t, "CVE-2022-37434", findings[1].ID)
	assert.Nil(t, findings[1].CVSSScore)
}

func TestGetImageFindingsEnhanced(t *testing.T) {
	client := &fakeECR{pages: map[string]*ecr.DescribeImageScanFindingsOutput{
		"": {
			ImageScanFindings: &ecrtypes.ImageScanFindings{EnhancedFindings: []ecrtypes.EnhancedImageScanFinding{
				{
					Severity:    aws.String("CRITICAL"),
					Title:       aws.String("CVE-2021-44228 - org.apache.logging.log4j:log4j-core"),
					Description: aws.String("Apache Log4j2 JNDI features do not protect against attacker controlled LDAP endpoints."),
					PackageVulnerabilityDetails: &ecrtypes.PackageVulnerabilityDetails{
						VulnerabilityId: aws.String("CVE-2021-44228"),
						Cvss: []ecrtypes.CvssScore{
							{BaseScore: 9.3, ScoringVector: aws.String("AV:N/AC:M/Au:N/C:C/I:C/A:C"), Version: aws.String("2.0")},
							{BaseScore: 10.0, ScoringVector: aws.String("CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H"), Version: aws.String("3.1")},
						},
						VulnerablePackages: []ecrtypes.VulnerablePackage{
							{Name: aws.String("log4j-core"), Version: aws.String("2.14.1"), PackageManager: aws.String("JAR"), FixedInVersion: aws.String("2.15.0")},
							{Name: aws.String("log4j-api"), Version: aws.String("2.14.1"), PackageManager: aws.String("JAR"), FixedInVersion: aws.String("NotAvailable")},
						},
					},
				},
				{
					Severity: aws.String("MEDIUM"),
					Title:    aws.String("CVE-2023-0001 - something"),
				},
			}},
		},
	}}

	source := NewECRSourceWithClient(client, "", "us-east-1", testLogger())
	findings, err := source.GetImageFindings(context.Background(), testImage)
	require.NoError(t, err)
	require.Len(t, findings, 3)
	assert.Nil(t, client.inputs[0].RegistryId)

	core := findings[0]
	assert.Equal(t, "CVE-2021-44228", core.ID)
	assert.Equal(t, "log4j-core", core.Package)
	assert.Equal(t, "JAR", core.Ecosystem)
	assert.Equal(t, types.SeverityCritical, core.Severity)
	require.NotNil(t, core.CVSSScore)
	assert.Equal(t, 10.0, *core.CVSSScore)
	assert.Equal(t, "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H", core.CVSSVector)
	require.NotNil(t, core.Remediation)
	assert.Equal(t, "2.15.0", core.Remediation.FixedVersion)
	assert.Equal(t, "ecr", core.Remediation.Source)

	api := findings[1]
	assert.Equal(t, "log4j-api", api.Package)
	assert.Nil(t, api.Remediation)
	assert.NotSame(t, core.CVSSScore, api.CVSSScore)

	noDetails := findings[2]
	assert.Equal(t, "CVE-2023-0001", noDetails.ID)
	assert.Equal(t, "CVE-2023-0001 - something", noDetails.Description)
}

func TestGetImageFindingsDigest(t *testing.T) {
	client := &fakeECR{pages: map[string]*ecr.DescribeImageScanFindingsOutput{"": {}}}
	source := NewECRSourceWithClient(client, "123456789012", "us-east-1", testLogger())

	digest := "sha256:0b3b0d7c1f6c9e1b7d5e2c4e5a7b8f3d2c1a0e9f8d7c6b5a4e3d2c1b0a9f8e7d"
	findings, err := source.GetImageFindings(context.Background(), "123456789012.dkr.ecr.us-east-1.amazonaws.com/web-app@"+digest)
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, digest, aws.ToString(client.inputs[0].ImageId.ImageDigest))
	assert.Nil(t, client.inputs[0].ImageId.ImageTag)
}

func TestGetImageFindingsErrors(t *testing.T) {
	t.Run("invalid URI", func(t *testing.T) {
		source := NewECRSourceWithClient(&fakeECR{}, "123456789012", "us-east-1", testLogger())
		_, err := source.GetImageFindings(context.Background(), "nginx")
		assert.ErrorContains(t, err, "failed to parse image URI")
	})

	t.Run("API error", func(t *testing.T) {
		apiErr := &ecrtypes.ScanNotFoundException{Message: aws.String("no scan")}
		source := NewECRSourceWithClient(&fakeECR{err: apiErr}, "123456789012", "us-east-1", testLogger())
		_, err := source.GetImageFindings(context.Background(), testImage)
		var notFound *ecrtypes.ScanNotFoundException
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("failed scan", func(t *testing.T) {
		client := &fakeECR{pages: map[string]*ecr.DescribeImageScanFindingsOutput{"": {
			ImageScanStatus: &ecrtypes.ImageScanStatus{Status: ecrtypes.ScanStatusFailed, Description: aws.String("unsupported image")},
		}}}
		source := NewECRSourceWithClient(client, "123456789012", "us-east-1", testLogger())
		_, err := source.GetImageFindings(context.Background(), testImage)
		assert.ErrorContains(t, err, "unsupported image")
	})
}

type fakeIdentity struct {
	account string
	err     error
}

func (f fakeIdentity) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

func TestResolveRoleARN(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		identity fakeIdentity
		expected string
	}{
		{name: "explicit role", env: "arn:aws:iam::210987654321:role/Custom", identity: fakeIdentity{account: "123456789012"}, expected: "arn:aws:iam::210987654321:role/Custom"},
		{name: "same account", identity: fakeIdentity{account: "123456789012"}, expected: ""},
		{name: "cross account", identity: fakeIdentity{account: "999999999999"}, expected: "arn:aws:iam::123456789012:role/RiskRelayECRReadRole"},
		{name: "identity unavailable", identity: fakeIdentity{err: errors.New("no credentials")}, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(AssumeRoleEnv, tt.env)
			assert.Equal(t, tt.expected, resolveRoleARN(context.Background(), tt.identity, "123456789012", testLogger()))
		})
	}
}

func TestTitleID(t *testing.T) {
	assert.Equal(t, "CVE-2023-4863", titleID("CVE-2023-4863 - libwebp"))
	assert.Equal(t, "CVE-2023-4863", titleID("  CVE-2023-4863"))
	assert.Equal(t, "", titleID(""))
}
